// cmd/stock-loader/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"orderflow/internal/inventory"
	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/logger"
)

// stock-loader 是运维用的补货/校正工具。
// 补货:     stock-loader -product p1 -quantity 100
// 盘点校正: stock-loader -product p1 -adjust -3
// 批量补货: stock-loader -file stock.csv   (每行 "productID,quantity")
// 所有变更都走台账，和线上流量一样留流水。
func main() {
	product := flag.String("product", "", "product id to restock or adjust")
	quantity := flag.Int64("quantity", 0, "quantity to add")
	adjust := flag.Int64("adjust", 0, "signed correction to available quantity (stocktake)")
	file := flag.String("file", "", "csv file with productID,quantity per line")
	reference := flag.String("reference", "", "reference id recorded in the ledger (defaults to a generated one)")
	flag.Parse()

	_ = godotenv.Load()
	logger.Init("stock-loader", true)

	cfg, err := config.Load()
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("load config")
	}

	db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("connect mysql")
	}
	ledger := inventory.NewGormLedger(db)
	if err := ledger.AutoMigrate(); err != nil {
		logger.Logger().Fatal().Err(err).Msg("auto migrate")
	}

	ref := *reference
	if ref == "" {
		ref = "stock-loader:" + uuid.New().String()
	}

	ctx := context.Background()
	switch {
	case *file != "":
		loadFile(ctx, ledger, *file, ref)
	case *product != "" && *quantity > 0:
		restock(ctx, ledger, *product, *quantity, ref)
	case *product != "" && *adjust != 0:
		if err := ledger.Adjust(ctx, *product, *adjust, ref); err != nil {
			logger.Logger().Fatal().Err(err).Str("product_id", *product).Msg("adjust")
		}
		view, err := ledger.GetStock(ctx, *product)
		if err != nil {
			logger.Logger().Fatal().Err(err).Str("product_id", *product).Msg("read back stock")
		}
		logger.Logger().Info().
			Str("product_id", *product).
			Int64("delta", *adjust).
			Int64("available", view.Available).
			Msg("adjusted")
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadFile(ctx context.Context, ledger inventory.Ledger, path, ref string) {
	f, err := os.Open(path)
	if err != nil {
		logger.Logger().Fatal().Err(err).Str("file", path).Msg("open stock file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Split(text, ",")
		if len(parts) != 2 {
			logger.Logger().Fatal().Int("line", line).Str("text", text).Msg("malformed stock line")
		}
		qty, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || qty <= 0 {
			logger.Logger().Fatal().Int("line", line).Str("text", text).Msg("invalid quantity")
		}
		restock(ctx, ledger, strings.TrimSpace(parts[0]), qty, ref)
	}
	if err := scanner.Err(); err != nil {
		logger.Logger().Fatal().Err(err).Msg("read stock file")
	}
}

func restock(ctx context.Context, ledger inventory.Ledger, productID string, qty int64, ref string) {
	if err := ledger.Restock(ctx, productID, qty, ref); err != nil {
		logger.Logger().Fatal().Err(err).Str("product_id", productID).Msg("restock")
	}
	view, err := ledger.GetStock(ctx, productID)
	if err != nil {
		logger.Logger().Fatal().Err(err).Str("product_id", productID).Msg("read back stock")
	}
	logger.Logger().Info().
		Str("product_id", productID).
		Int64("added", qty).
		Int64("available", view.Available).
		Int64("reserved", view.Reserved).
		Msg("restocked")
}
