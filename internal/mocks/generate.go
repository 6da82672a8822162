// Package mocks hosts generated test doubles for the core interfaces.
package mocks

//go:generate mockgen -destination=core/mocks.go -package=mockcore github.com/mxtoai/mailengine/internal/core CounterSweeper,SelfCallback
