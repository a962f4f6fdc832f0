package commands

import (
	"github.com/mix-go/xcli"
)

var Commands = []*xcli.Command{
	{
		Name:  "scheduler",
		Short: "\tRun catch-up and the appointment scheduler",
		Options: []*xcli.Option{
			{
				Names: []string{"base"},
				Usage: "Override notification gateway base url",
			},
		},
		RunI: &SchedulerCommand{},
	},
	{
		Name:  "web",
		Short: "\tRun the task admin API",
		Options: []*xcli.Option{
			{
				Names: []string{"addr"},
				Usage: "Listen address, default from web.addr",
			},
		},
		RunI: &WebCommand{},
	},
	{
		Name:  "migrate",
		Short: "\tCreate or update the tasks and executions tables",
		RunI:  &MigrateCommand{},
	},
}
