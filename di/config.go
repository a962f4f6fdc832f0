package di

import (
	"github.com/mix-go/xdi"
	"github.com/mix-go/xutil/xenv"

	"appointments/config"
)

func init() {
	obj := xdi.Object{
		Name: "config",
		New: func() (i interface{}, e error) {
			path := xenv.Getenv("APP_CONFIG").String()
			if path == "" {
				path = "conf/config.yml"
			}
			return config.Load(path)
		},
	}
	if err := xdi.Provide(&obj); err != nil {
		panic(err)
	}
}

func Config() (cfg *config.Config) {
	if err := xdi.Populate("config", &cfg); err != nil {
		panic(err)
	}
	return
}
