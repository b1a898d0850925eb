package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cantools/canstack/bus"
	"github.com/cantools/canstack/config"
	"github.com/cantools/canstack/frame"
	"github.com/cantools/canstack/tp"
	"github.com/cantools/canstack/uds"
)

// Diagnostic addressing used by the in-process stack.
const (
	testerTxID   = 0x7E0
	ecuTxID      = 0x7E8
	functionalID = 0x7DF
)

// diagStack is a complete in-process setup: a simulated bus with a tester
// node and an ECU node, ISO-TP transports on both, a diagnostic server on
// the ECU and a client on the tester.
type diagStack struct {
	bus     *bus.Bus
	client  *uds.Client
	server  *uds.Server
	profile *config.Profile
	tap     <-chan frame.Frame
}

func buildStack(ctx context.Context, busCfgPath, profilePath string, log zerolog.Logger) (*diagStack, error) {
	busCfg := &config.BusConfig{Nodes: []config.NodeConfig{{Name: "tester"}, {Name: "ecu"}}}
	if busCfgPath != "" {
		loaded, err := config.LoadBusConfig(busCfgPath)
		if err != nil {
			return nil, fmt.Errorf("bus config: %w", err)
		}
		busCfg = loaded
	}
	if len(busCfg.Nodes) < 2 {
		return nil, fmt.Errorf("bus config needs a tester and an ecu node")
	}
	tick, err := busCfg.TickDuration()
	if err != nil {
		return nil, err
	}

	profile := &config.Profile{}
	if profilePath != "" {
		loaded, err := config.LoadProfile(profilePath)
		if err != nil {
			return nil, fmt.Errorf("profile: %w", err)
		}
		profile = loaded
	}

	b := bus.New(log)
	testerNode := b.AttachWithParams(busCfg.Nodes[0].Name, busCfg.Nodes[0].Params())
	ecuNode := b.AttachWithParams(busCfg.Nodes[1].Name, busCfg.Nodes[1].Params())
	tap := b.Tap(1024)
	go b.Run(ctx, tick)

	testerAddr, err := tp.NewAddress(testerTxID, ecuTxID)
	if err != nil {
		return nil, err
	}
	testerAddr.WithFunctional(functionalID)
	ecuAddr, err := tp.NewAddress(ecuTxID, testerTxID)
	if err != nil {
		return nil, err
	}
	ecuAddr.WithFunctional(functionalID)

	testerTP, err := tp.NewTransport(testerAddr, tp.DefaultConfig(), log)
	if err != nil {
		return nil, err
	}
	ecuTP, err := tp.NewTransport(ecuAddr, tp.DefaultConfig(), log)
	if err != nil {
		return nil, err
	}
	rxT, txT := bus.Bind(ctx, testerNode)
	rxE, txE := bus.Bind(ctx, ecuNode)
	go testerTP.Run(ctx, rxT, txT)
	go ecuTP.Run(ctx, rxE, txE)

	srvCfg, err := profile.ServerConfig()
	if err != nil {
		return nil, err
	}
	srv := uds.NewServer(srvCfg, log.With().Str("role", "ecu").Logger())
	if err := profile.Populate(srv); err != nil {
		return nil, err
	}
	go srv.Serve(ctx, ecuTP)

	client := uds.NewClient(testerTP, log.With().Str("role", "tester").Logger())
	opts := uds.DefaultRequestOptions()
	// Generous deadline: multi-frame exchanges cross the simulated bus one
	// frame per tick.
	opts.Timeout = 200*tick + 2*time.Second
	client.SetRequestOptions(opts)

	return &diagStack{
		bus:     b,
		client:  client,
		server:  srv,
		profile: profile,
		tap:     tap,
	}, nil
}
