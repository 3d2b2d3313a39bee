// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package wifi brings up the wireless link the bridge uses to reach the broker
package wifi

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/vishvananda/netlink"
)

// PollInterval is the time between two link state checks
var PollInterval = 500 * time.Millisecond

// DefaultInterface is used when no interface is configured
const DefaultInterface = "wlan0"

// Config contains configuration for the WiFi link
type Config struct {
	Interface string
	SSID      string
	Password  string
}

var (
	linkByName = netlink.LinkByName
	addrList   = netlink.AddrList
	associate  = nmcliConnect
)

// nmcliConnect asks NetworkManager to join the network
func nmcliConnect(ctx context.Context, config Config) error {
	args := []string{"device", "wifi", "connect", config.SSID}
	if config.Password != "" {
		args = append(args, "password", config.Password)
	}
	args = append(args, "ifname", config.Interface)
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("wifi: nmcli failed: %s (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// address returns the first IPv4 address of an operational interface
func address(name string) (net.IP, error) {
	link, err := linkByName(name)
	if err != nil {
		return nil, err
	}
	if state := link.Attrs().OperState; state != netlink.OperUp {
		return nil, fmt.Errorf("wifi: %s is %s", name, state)
	}
	addrs, err := addrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if addr.IPNet != nil && addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	return nil, fmt.Errorf("wifi: %s has no IPv4 address", name)
}

// Connect blocks until the interface is up with an IPv4 address, or until
// ctx is done. When an SSID is configured, the association is requested first.
func Connect(ctx context.Context, config Config, logger log.Interface) (net.IP, error) {
	if config.Interface == "" {
		config.Interface = DefaultInterface
	}
	logger = logger.WithFields(log.Fields{
		"Connector": "WiFi",
		"Interface": config.Interface,
	})
	if config.SSID != "" {
		logger = logger.WithField("SSID", config.SSID)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	associated := config.SSID == ""
	for attempt := 1; ; attempt++ {
		if !associated {
			if err := associate(ctx, config); err != nil {
				logger.WithError(err).WithField("Attempt", attempt).Warn("Could not associate")
			} else {
				associated = true
			}
		}
		if associated {
			ip, err := address(config.Interface)
			if err == nil {
				logger.WithField("IP", ip).Info("Connected")
				return ip, nil
			}
			logger.WithError(err).WithField("Attempt", attempt).Info("Waiting for link")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
