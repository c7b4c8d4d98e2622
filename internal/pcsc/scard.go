// Package pcsc binds core readers to the system PC/SC service through
// github.com/ebfe/scard.
package pcsc

import (
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// Context abstracts scard.Context for testing.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(rs []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	Cancel() error
	Release() error
}

// Card abstracts scard.Card for testing.
type Card interface {
	Status() (*scard.CardStatus, error)
	Transmit(cmd []byte) ([]byte, error)
	Control(ioctl uint32, in []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// ContextFactory establishes a new PC/SC context.
type ContextFactory func() (Context, error)

// EstablishContext is the ContextFactory backed by the system PC/SC service.
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	names, err := c.ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return names, nil
}

func (c *scardContext) GetStatusChange(rs []scard.ReaderState, timeout time.Duration) error {
	if err := c.ctx.GetStatusChange(rs, timeout); err != nil {
		return fmt.Errorf("get status change: %w", err)
	}
	return nil
}

func (c *scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	card, err := c.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", reader, err)
	}
	return card, nil
}

func (c *scardContext) Cancel() error {
	return c.ctx.Cancel()
}

func (c *scardContext) Release() error {
	if err := c.ctx.Release(); err != nil {
		return fmt.Errorf("release PC/SC context: %w", err)
	}
	return nil
}
