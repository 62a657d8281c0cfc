package main

import (
	"fmt"
	"os"

	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// ListPipelines prints every configured pipeline, or one pipeline resolved as TOML.
func ListPipelines(ctx *cli.Context) error {
	setupLogging(ctx)

	pipes, err := loadPipelines(ctx)
	if err != nil {
		return err
	}

	if ctx.NArg() == 1 {
		p, err := pipes.Get(ctx.Args().First())
		if err != nil {
			return err
		}
		out, err := config.MarshalTOML(p)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Name", "PLOC", "Radius", "Collapsed", "Max leaf", "Final BV", "Layout", "Tracer BV"})
	for _, name := range pipes.Names() {
		p, err := pipes.Get(name)
		if err != nil {
			return err
		}
		table.Append([]string{
			p.Name,
			fmt.Sprintf("%s/%s", p.PLOC.BV, p.PLOC.SFC),
			fmt.Sprint(p.PLOC.Radius),
			p.Collapsing.BV.String(),
			fmt.Sprint(p.Collapsing.MaxLeafSize),
			p.FinalBV().String(),
			p.Rearrangement.Layout.String(),
			p.Tracer.BV.String(),
		})
	}
	table.Render()
	return nil
}
