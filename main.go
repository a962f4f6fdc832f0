package main

import (
	"appointments/commands"

	"github.com/mix-go/xcli"
	"github.com/mix-go/xutil/xenv"
	_ "appointments/config/dotenv"
	_ "appointments/di"
)

func main() {
	xcli.SetName("app").
		SetVersion("1.0.0").
		SetDebug(xenv.Getenv("APP_DEBUG").Bool(false))
	xcli.AddCommand(commands.Commands...).Run()
}
