// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"errors"
	"testing"

	"github.com/loragw/lora-mqtt-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

type something struct{}

func TestContext(t *testing.T) {
	some := new(something)

	Convey("Given a new Context", t, func(c C) {
		ctx := NewContext()
		Convey("When setting some items in the Context", func() {
			ctx.Set(1, 2)
			ctx.Set("str", "hi")
			ctx.Set(some, some)
			Convey("Then getting those items from the Context should return the items", func() {
				So(ctx.Get(1), ShouldEqual, 2)
				So(ctx.Get("str"), ShouldEqual, "hi")
				So(ctx.Get(some), ShouldEqual, some)
			})
		})
		Convey("Getting an item that is not in the context, returns nil", func() {
			So(ctx.Get("other"), ShouldBeNil)
		})
	})
}

type testMiddleware struct {
	err error

	uplink   int
	downlink int
}

func (c *testMiddleware) HandleUplink(ctx Context, msg *types.RadioMessage) error {
	c.uplink++
	return c.err
}
func (c *testMiddleware) HandleDownlink(ctx Context, msg *types.NetworkMessage) error {
	c.downlink++
	return c.err
}

type uplinkOnly struct {
	uplink int
}

func (c *uplinkOnly) HandleUplink(ctx Context, msg *types.RadioMessage) error {
	c.uplink++
	return nil
}

func TestMiddleware(t *testing.T) {
	Convey("Given a new Middleware Chain", t, func(c C) {
		m := new(testMiddleware)
		u := new(uplinkOnly)
		chain := Chain{m, u}

		Convey("When executing it on a RadioMessage", func() {
			err := chain.Execute(NewContext(), &types.RadioMessage{})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The middleware should have been called", func() {
				So(m.uplink, ShouldEqual, 1)
				So(u.uplink, ShouldEqual, 1)
			})
		})

		Convey("When executing it on a NetworkMessage", func() {
			err := chain.Execute(NewContext(), &types.NetworkMessage{})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("Only the downlink middleware should have been called", func() {
				So(m.downlink, ShouldEqual, 1)
				So(u.uplink, ShouldEqual, 0)
			})
		})

		Convey("When executing it on an unknown message", func() {
			err := chain.Execute(NewContext(), "hello")
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
		})

		Convey("When the middleware returns an error", func() {
			m.err = errors.New("some error")

			Convey("When executing it on a RadioMessage", func() {
				err := chain.Execute(NewContext(), &types.RadioMessage{})
				Convey("There should be an error", func() {
					So(err, ShouldEqual, m.err)
				})
				Convey("The next middleware should not have been called", func() {
					So(u.uplink, ShouldEqual, 0)
				})
			})

			Convey("When executing it on a NetworkMessage", func() {
				err := chain.Execute(NewContext(), &types.NetworkMessage{})
				Convey("There should be an error", func() {
					So(err, ShouldEqual, m.err)
				})
			})
		})
	})
}
