//go:build windows

package app

import "os"

func foregroundSignals() []os.Signal { return nil }
