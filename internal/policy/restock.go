// internal/policy/restock.go
package policy

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// RestockPolicy 决定退款/取消/退货之后是否把数量补回库存。
// 策略是一条运维可配置的 CEL 表达式，可用变量：
//
//	order_state  string  触发时订单所处状态（如 "PAID", "SHIPPED"）
//	trigger      string  触发来源: "refund" / "cancel" / "return"
//	shipped      bool    货物是否已经发出
//
// 表达式必须求值为 bool。示例：
//
//	trigger == "cancel" || (trigger == "refund" && !shipped)
//
// 空表达式等价于"永不回补"。
type RestockPolicy struct {
	prg cel.Program
}

// Decision 的入参。
type Input struct {
	OrderState string
	Trigger    string
	Shipped    bool
}

// Compile 编译表达式。表达式为空时返回的策略恒为 false。
func Compile(expr string) (*RestockPolicy, error) {
	if expr == "" {
		return &RestockPolicy{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("order_state", cel.StringType),
		cel.Variable("trigger", cel.StringType),
		cel.Variable("shipped", cel.BoolType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrap(iss.Err(), "compile restock policy")
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.Errorf("restock policy must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build cel program")
	}
	return &RestockPolicy{prg: prg}, nil
}

// ShouldRestock 对输入求值。未配置策略时恒为 false。
func (p *RestockPolicy) ShouldRestock(in Input) (bool, error) {
	if p.prg == nil {
		return false, nil
	}
	out, _, err := p.prg.Eval(map[string]interface{}{
		"order_state": in.OrderState,
		"trigger":     in.Trigger,
		"shipped":     in.Shipped,
	})
	if err != nil {
		return false, errors.Wrap(err, "evaluate restock policy")
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("restock policy returned non-bool %T", out.Value())
	}
	return b, nil
}
