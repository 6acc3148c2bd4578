package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/astromechza/linesync/pkg/client"
	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/notify"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	addrVar := fs.String("addr", "127.0.0.1:8432", "the address to request on")
	nameVar := fs.String("name", fmt.Sprintf("pid-%d", os.Getpid()), "peer name sent to the server")
	widthVar := fs.Float64("width", 800, "canvas width")
	heightVar := fs.Float64("height", 600, "canvas height")
	intervalVar := fs.Duration("interval", time.Second, "how often to sync")
	_ = fs.Parse(os.Args[1:])
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	canvas, err := client.NewCanvas(lines.NewRect(0, 0, *widthVar, *heightVar))
	if err != nil {
		return err
	}
	c, err := client.New("http://"+*addrVar, canvas, client.WithPeerName(*nameVar))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := c.Register(ctx)
	if err != nil {
		return err
	}
	slog.Info("established client", "client", id, "name", *nameVar)

	wg := new(sync.WaitGroup)
	syncNow := make(chan struct{}, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncContinuously(ctx, c, *intervalVar, syncNow)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchContinuously(ctx, c, syncNow)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		drawRandomlyContinuously(ctx, c)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), fmt.Sprintf("linesync-%s.json", *nameVar))
	raw, err := json.Marshal(canvas.Lines())
	if err != nil {
		return err
	}
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

func syncContinuously(ctx context.Context, c *client.Client, interval time.Duration, syncNow <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-syncNow:
		case <-ctx.Done():
			slog.Info("stopping scheduled sync")
			return
		}
		if err := c.Sync(ctx); err != nil {
			slog.Error("failed to sync", "err", err)
		} else {
			slog.Debug("finished sync", "lines", len(c.Canvas().Lines()))
		}
	}
}

// watchContinuously asks for an early sync whenever another client changes something.
func watchContinuously(ctx context.Context, c *client.Client, syncNow chan<- struct{}) {
	for {
		err := c.Watch(ctx, func(n notify.Notification) {
			select {
			case syncNow <- struct{}{}:
			default:
			}
		})
		if ctx.Err() != nil {
			return
		}
		slog.Warn("notification stream ended", "err", err)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func drawRandomlyContinuously(ctx context.Context, c *client.Client) {
	canvas := c.Canvas()
	rect := canvas.Rect()
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled drawing")
			return
		}

		switch existing := canvas.Lines().IDs(); {
		case len(existing) > 0 && rand.Intn(6) == 0:
			victim := existing[rand.Intn(len(existing))]
			if _, err := c.Delete(ctx, victim); err != nil {
				slog.Error("failed to delete line", "line", victim, "err", err)
			} else {
				slog.Info("erased", "line", victim)
			}
		case len(existing) > 20 && rand.Intn(10) == 0:
			if _, err := c.Clear(ctx); err != nil {
				slog.Error("failed to clear", "err", err)
			} else {
				slog.Info("cleared")
			}
		default:
			l := lines.NewLine(lines.Stroke{
				R: uint8(rand.Intn(256)), G: uint8(rand.Intn(256)), B: uint8(rand.Intn(256)), A: 255,
				Width: 1 + rand.Float64()*8,
			})
			x, y := rect.MinX+rand.Float64()*rect.Width(), rect.MinY+rand.Float64()*rect.Height()
			for i := 0; i < 2+rand.Intn(8); i++ {
				l.Append(lines.Point{X: x, Y: y})
				x += (rand.Float64() - 0.5) * rect.Width() / 10
				y += (rand.Float64() - 0.5) * rect.Height() / 10
			}
			id := canvas.Draw(l)
			slog.Info("drew", "line", id, "points", len(l.Points))
		}
	}
}
