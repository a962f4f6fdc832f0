package di

import (
	"github.com/mix-go/xdi"
	"github.com/redis/go-redis/v9"
)

func init() {
	obj := xdi.Object{
		Name: "redis",
		New: func() (i interface{}, e error) {
			cfg := Config().Redis
			return redis.NewClient(&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			}), nil
		},
	}
	if err := xdi.Provide(&obj); err != nil {
		panic(err)
	}
}

// Redis returns the shared client, or nil when redis.addr is not configured.
func Redis() (client *redis.Client) {
	if Config().Redis.Addr == "" {
		return nil
	}
	if err := xdi.Populate("redis", &client); err != nil {
		panic(err)
	}
	return
}
