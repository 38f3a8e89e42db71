package main

import (
	"context"
	"fmt"
	"time"

	"github.com/auricle-ai/auricle/pkg/bridge"
	"github.com/auricle-ai/auricle/pkg/bridge/bridgetest"
)

// demoBridge wraps the scripted fake bridge with a canned conversation so the
// runner can be exercised without a real backend. Selected with
// AURICLE_BRIDGE_URL=demo.
type demoBridge struct {
	*bridgetest.Bridge
}

func newDemoBridge() *demoBridge {
	return &demoBridge{Bridge: bridgetest.New()}
}

func (d *demoBridge) Connect(ctx context.Context) error {
	if err := d.Bridge.Connect(ctx); err != nil {
		return err
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Emit(bridge.SessionInitializingEvent{Pending: true})
		time.Sleep(50 * time.Millisecond)
		d.Emit(bridge.SessionReadyEvent{})
		d.Emit(bridge.StatusEvent{Text: "demo backend ready"})
	}()
	return nil
}

func (d *demoBridge) SendTextMessage(ctx context.Context, text string) error {
	if err := d.Bridge.SendTextMessage(ctx, text); err != nil {
		return err
	}
	go func() {
		reply := fmt.Sprintf("You said: %s", text)
		accumulated := ""
		for _, r := range reply {
			accumulated += string(r)
			d.Emit(bridge.ResponseChunkEvent{Text: accumulated})
			time.Sleep(10 * time.Millisecond)
		}
		d.Emit(bridge.ResponseFinalizedEvent{})
	}()
	return nil
}
