// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

//go:build !linux

package sx127x

import (
	"github.com/apex/log"
)

// New is only supported on linux
func New(config Config, ctx log.Interface) (*SX127x, error) {
	return nil, ErrUnsupportedPlatform
}
