// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis, 统一管理 Lua 脚本
type Client struct {
	client  goredis.UniversalClient
	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient addrs 形如 "host1:6379,host2:6379", 多个地址时使用集群模式
func NewClient(addrs string) (*Client, error) {
	list := strings.Split(addrs, ",")
	c := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: list})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addrs, err)
	}
	return NewClientFrom(c), nil
}

// NewClientFrom 包装一个已有的连接
func NewClientFrom(c goredis.UniversalClient) *Client {
	return &Client{client: c, scripts: make(map[string]*goredis.Script)}
}

// LoadScriptFromContent 注册脚本并预加载到服务端
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := goredis.NewScript(content)
	if err := script.Load(context.Background(), c.client).Err(); err != nil {
		return fmt.Errorf("failed to load lua script %q: %w", name, err)
	}
	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本, EVALSHA 未命中时 go-redis 会自动回退到 EVAL
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lua script %q not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
