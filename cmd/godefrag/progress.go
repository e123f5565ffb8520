package main

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/elee1766/godefrag/pkg/defrag"
	"github.com/elee1766/godefrag/pkg/events"
)

// progressBar renders session progress events. The bar is reused across
// phases; its label follows the phase status line.
type progressBar struct {
	p   *mpb.Progress
	bar *mpb.Bar

	mu    sync.Mutex
	phase string
}

func newProgressBar(out io.Writer) *progressBar {
	pb := &progressBar{phase: "starting"}
	pb.p = mpb.New(mpb.WithWidth(60), mpb.WithOutput(out))
	pb.bar = pb.p.New(0,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string { return pb.label() }, decor.WC{W: 15, C: decor.DindentRight}),
			decor.Percentage(decor.WC{W: 5}),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit(" %d/%d"),
			decor.OnComplete(decor.Name(""), " done"),
		),
	)
	return pb
}

func (pb *progressBar) label() string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.phase
}

func (pb *progressBar) observe(e events.Event) error {
	switch ev := e.(type) {
	case events.LogMessage:
		if ev.Slot == defrag.SlotPhase {
			pb.mu.Lock()
			pb.phase = ev.Message
			pb.mu.Unlock()
		}
	case events.ProgressEvent:
		pb.bar.SetTotal(int64(ev.Total), false)
		pb.bar.SetCurrent(int64(ev.Done))
	}
	return nil
}

// finish completes the bar at its current position and waits for the last
// render.
func (pb *progressBar) finish() {
	pb.bar.SetTotal(-1, true)
	pb.p.Wait()
}
