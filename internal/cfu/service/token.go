package service

import (
	"context"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
)

// Token is proof of being the single receiver of a Context's requests.
// Obtain one with Context.CreateToken.
type Token struct {
	ctx *Context
}

// Receive returns the next submitted request, blocking until one arrives or
// ctx ends. The caller must answer it with Respond.
func (t *Token) Receive(ctx context.Context) (*Incoming, error) {
	return t.ctx.requests.Receive(ctx)
}

// GetDevice returns the device registered under id, or cfu.ErrInvalidComponent.
func (t *Token) GetDevice(id cfu.ComponentID) (*cfu.Device, error) {
	return t.ctx.devices.Get(id)
}

// Devices returns every registered device in registration order.
func (t *Token) Devices() []*cfu.Device {
	return t.ctx.devices.Devices()
}

// WatchDevices calls fn for every device registered after the call and
// returns the devices already registered, so each device is seen exactly
// once. fn runs while registration is locked and must not block. Pass nil to
// stop watching.
func (t *Token) WatchDevices(fn func(dev *cfu.Device)) []*cfu.Device {
	return t.ctx.watchDevices(fn)
}

// Context returns the Context the token was issued by.
func (t *Token) Context() *Context {
	return t.ctx
}
