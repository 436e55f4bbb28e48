package power

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var ErrNoBattery = errors.New("host battery is not available")

// SysfsBattery reads the host battery charge from a power_supply capacity file.
type SysfsBattery struct {
	Path string
}

func NewSysfsBattery(path string) *SysfsBattery {
	return &SysfsBattery{Path: path}
}

func (b *SysfsBattery) Level(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(b.Path) == "" {
		return 0, ErrNoBattery
	}
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoBattery
		}
		return 0, fmt.Errorf("read battery capacity: %w", err)
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse battery capacity %q: %w", strings.TrimSpace(string(raw)), err)
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return level, nil
}
