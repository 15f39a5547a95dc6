// internal/pkg/zklock/lock.go
package zklock

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const lockRoot = "/orderflow_locks" // 所有分布式锁的根节点

// ErrLockHeld 表示 TryLock 时锁已被其他持有者占用。
var ErrLockHeld = errors.New("zklock: lock is held by another owner")

// Client 持有一个 ZooKeeper 会话，用于派生单个资源的锁。
type Client struct {
	conn *zk.Conn
}

// Connect 建立 ZooKeeper 会话。
func Connect(servers []string, sessionTimeout time.Duration) (*Client, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() {
	c.conn.Close()
}

// ensurePath 确保锁路径的各级父节点存在。
func (c *Client) ensurePath(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur = cur + "/" + p
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := c.conn.Create(cur, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// ProductLock 是针对单个商品的短持有互斥锁。
// 只应包裹单条库存语句；绝不允许跨外部支付调用持有。
type ProductLock struct {
	client   *Client
	path     string
	lockNode string
}

// NewProductLock 创建针对 productID 的锁实例。
func (c *Client) NewProductLock(productID string) (*ProductLock, error) {
	lockPath := lockRoot + "/" + productID
	if err := c.ensurePath(lockPath); err != nil {
		return nil, errors.Wrapf(err, "ensure lock path %s", lockPath)
	}
	return &ProductLock{client: c, path: lockPath}, nil
}

// TryLock 以"锁不上立刻失败"的语义尝试获取锁。
// 通过创建固定名字的临时节点实现：节点已存在即有人持锁。
func (l *ProductLock) TryLock() error {
	node := l.path + "/holder"
	_, err := l.client.conn.Create(node, []byte{}, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		return ErrLockHeld
	}
	if err != nil {
		return errors.Wrap(err, "create lock node")
	}
	l.lockNode = node
	return nil
}

// Lock 阻塞式获取锁：创建临时顺序节点，等待自己成为最小序号。
func (l *ProductLock) Lock() error {
	nodePath, err := l.client.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	for {
		children, _, err := l.client.conn.Children(l.path)
		if err != nil {
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sort.Strings(children)

		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		if myNodeName == children[0] {
			return nil
		}

		// 不是最小节点，监听前一个节点的删除事件
		prevNodeIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevNodeIndex = i - 1
				break
			}
		}
		if prevNodeIndex < 0 {
			// 自己的节点不在列表里（会话抖动），重建后重试
			return l.Lock()
		}

		prevNode := l.path + "/" + children[prevNodeIndex]
		exists, _, ch, err := l.client.conn.ExistsW(prevNode)
		if err != nil {
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}
		<-ch
	}
}

// Unlock 删除自己创建的锁节点。
func (l *ProductLock) Unlock() error {
	if l.lockNode == "" {
		return nil
	}
	err := l.client.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
	if err != nil && err != zk.ErrNoNode {
		return errors.Wrap(err, "delete lock node")
	}
	return nil
}
