// Package window models the browser window collaborator used to show approval screens.
package window

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/event"
)

var (
	ErrNoWindow  = errors.New("window not found")
	ErrNoDisplay = errors.New("display geometry unavailable")
)

type ID int

type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type CreateOptions struct {
	URL    string `json:"url"`
	Bounds Bounds `json:"bounds"`
}

// Manager creates, focuses, probes and closes windows.
type Manager interface {
	Create(ctx context.Context, opts CreateOptions) (ID, error)
	Focus(ctx context.Context, id ID) error
	Close(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
	ScreenWidth(ctx context.Context) (int, error)
	// SubscribeClosed delivers the id of every window that closes, for whatever reason.
	SubscribeClosed(ch chan<- ID) event.Subscription
}

// Layout is the approval window geometry.
type Layout struct {
	Width               int `yaml:"Width" json:"width"`
	Height              int `yaml:"Height" json:"height"`
	Top                 int `yaml:"Top" json:"top"`
	Margin              int `yaml:"Margin" json:"margin"`
	FallbackScreenWidth int `yaml:"FallbackScreenWidth" json:"fallbackScreenWidth"`
}

// DefaultLayout is used for zero fields of a configured Layout.
var DefaultLayout = Layout{
	Width:               360,
	Height:              600,
	Top:                 80,
	Margin:              20,
	FallbackScreenWidth: 1920,
}

func (l Layout) withDefaults() Layout {
	if l == (Layout{}) {
		return DefaultLayout
	}
	if l.Width <= 0 {
		l.Width = DefaultLayout.Width
	}
	if l.Height <= 0 {
		l.Height = DefaultLayout.Height
	}
	if l.Top < 0 {
		l.Top = DefaultLayout.Top
	}
	if l.Margin < 0 {
		l.Margin = DefaultLayout.Margin
	}
	if l.FallbackScreenWidth <= 0 {
		l.FallbackScreenWidth = DefaultLayout.FallbackScreenWidth
	}
	return l
}

// Position right-aligns the window on a screen of screenWidth pixels.
// When the geometry query failed or returned nothing usable, the fallback width is used.
func Position(screenWidth int, queryErr error, l Layout) Bounds {
	l = l.withDefaults()
	if queryErr != nil || screenWidth <= 0 {
		screenWidth = l.FallbackScreenWidth
	}
	left := screenWidth - l.Width - l.Margin
	if left < 0 {
		left = 0
	}
	return Bounds{Left: left, Top: l.Top, Width: l.Width, Height: l.Height}
}
