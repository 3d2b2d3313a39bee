// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blocklist

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/types"
	"gopkg.in/yaml.v2"
)

// blockedItem is a payload prefix, either as text or as hex
type blockedItem struct {
	Prefix string `yaml:"prefix"`
	Hex    string `yaml:"hex"`
}

func (i blockedItem) bytes() ([]byte, error) {
	if i.Hex != "" {
		return hex.DecodeString(i.Hex)
	}
	return []byte(i.Prefix), nil
}

// NewBlocklist returns a middleware that filters payloads that start with a
// blocked prefix. Lists are YAML files, which are watched for changes, or
// HTTP(S) URLs, which are fetched on FetchRemotes.
func NewBlocklist(ctx log.Interface, lists ...string) (b *Blocklist, err error) {
	b = &Blocklist{
		ctx:   ctx.WithField("Middleware", "Blocklist"),
		lists: make(map[string][][]byte),
	}
	b.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, location := range lists {
		if err := b.addList(location); err != nil {
			b.watcher.Close()
			return nil, err
		}
	}
	b.FetchRemotes()
	go b.watch()
	return b, nil
}

// Blocklist middleware
type Blocklist struct {
	ctx     log.Interface
	watcher *fsnotify.Watcher
	urls    []string

	mu       sync.RWMutex
	lists    map[string][][]byte
	prefixes [][]byte
}

func (b *Blocklist) watch() {
	for {
		select {
		case e, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := b.read(e.Name); err != nil {
					b.ctx.WithError(err).WithField("File", e.Name).Warn("Could not reload blocklist")
				}
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.ctx.WithError(err).Warn("Blocklist watcher error")
		}
	}
}

func (b *Blocklist) addList(location string) error {
	url, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch url.Scheme {
	case "", "file":
		return b.addFile(url.Path)
	case "http", "https":
		b.urls = append(b.urls, url.String())
		return nil
	}
	return fmt.Errorf("blocklist: unknown list type %q", url.Scheme)
}

func (b *Blocklist) addFile(filename string) (err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}
	if err = b.watcher.Add(filename); err != nil {
		return err
	}
	return b.read(filename)
}

// FetchRemotes fetches remote blocklists
func (b *Blocklist) FetchRemotes() {
	for _, url := range b.urls {
		if err := b.fetch(url); err != nil {
			b.ctx.WithError(err).WithField("URL", url).Warn("Could not fetch blocklist")
		}
	}
}

// Close the blocklist watcher
func (b *Blocklist) Close() error {
	return b.watcher.Close()
}

func (b *Blocklist) read(filename string) error {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return b.set(filename, contents)
}

func (b *Blocklist) fetch(location string) error {
	resp, err := http.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blocklist: unexpected status %s", resp.Status)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return b.set(location, body)
}

func (b *Blocklist) set(location string, contents []byte) error {
	var items []blockedItem
	if err := yaml.Unmarshal(contents, &items); err != nil {
		return err
	}
	prefixes := make([][]byte, 0, len(items))
	for _, item := range items {
		prefix, err := item.bytes()
		if err != nil {
			return fmt.Errorf("blocklist: invalid hex %q in %s", item.Hex, location)
		}
		if len(prefix) > 0 {
			prefixes = append(prefixes, prefix)
		}
	}
	b.mu.Lock()
	b.lists[location] = prefixes
	b.updateLookup()
	b.mu.Unlock()
	b.ctx.WithFields(log.Fields{"List": location, "Prefixes": len(prefixes)}).Info("Loaded blocklist")
	return nil
}

func (b *Blocklist) updateLookup() {
	var n int
	for _, list := range b.lists {
		n += len(list)
	}
	b.prefixes = make([][]byte, 0, n)
	for _, list := range b.lists {
		b.prefixes = append(b.prefixes, list...)
	}
}

// ErrBlocked is returned for payloads that start with a blocked prefix
var ErrBlocked = errors.New("blocklist: payload is blocked")

func (b *Blocklist) check(payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, prefix := range b.prefixes {
		if bytes.HasPrefix(payload, prefix) {
			return ErrBlocked
		}
	}
	return nil
}

// HandleUplink blocks radio packets
func (b *Blocklist) HandleUplink(_ middleware.Context, msg *types.RadioMessage) error {
	return b.check(msg.Payload)
}

// HandleDownlink blocks network messages before they are transmitted
func (b *Blocklist) HandleDownlink(_ middleware.Context, msg *types.NetworkMessage) error {
	return b.check(msg.Payload)
}
