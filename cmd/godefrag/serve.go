package main

import (
	"github.com/elee1766/godefrag/pkg/api"
	"github.com/elee1766/godefrag/pkg/db"
	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/history"
	"github.com/elee1766/godefrag/pkg/volume"
)

// ServeCmd runs the API server
type ServeCmd struct {
	Address string `short:"a" help:"API server address (default from GODEFRAG_API_ADDRESS)"`
	Write   bool   `help:"Allow sessions to relocate clusters on images and devices"`
	Squares int    `help:"Filtered view bucket count (default from GODEFRAG_SQUARES)"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg := cli.config()
	if c.Address != "" {
		cfg.APIAddress = c.Address
	}
	cfg.Writable = cfg.Writable || c.Write
	if c.Squares > 0 {
		cfg.NumFilteredClusters = c.Squares
	}

	app := newApp(cfg, cli.logger(),
		db.Module,
		volume.Module,
		defrag.Module,
		history.Module,
		api.Module,
	)
	app.Run()
	return app.Err()
}
