package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	fs := pflag.NewFlagSet("render", pflag.ExitOnError)
	outVar := fs.StringP("output", "o", "", "png file to write (default: a temp file)")
	widthVar := fs.Int("width", 1024, "output width in pixels")
	heightVar := fs.Int("height", 768, "output height in pixels")
	canvasVar := fs.String("canvas", "", "treat the input as canvas coordinates in this rect: min_x,min_y,max_x,max_y")
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the lines json to read")
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	var c lines.Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("failed to decode lines: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid lines: %w", err)
	}
	if *canvasVar != "" {
		var rect lines.Rect
		if err := json.Unmarshal([]byte("["+*canvasVar+"]"), &rect); err != nil {
			return fmt.Errorf("failed to parse canvas rect: %w", err)
		}
		if err := rect.Validate(); err != nil {
			return err
		}
		for id, l := range c {
			c[id] = l.Transformed(rect, lines.FromCanvas)
		}
	}
	slog.Info("loaded lines", "count", len(c))

	out := *outVar
	if out == "" {
		if out, err = viz.RenderToTemp(c, *widthVar, *heightVar); err != nil {
			return err
		}
	} else if err := viz.RenderToFile(c, *widthVar, *heightVar, out); err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+out)
	return nil
}
