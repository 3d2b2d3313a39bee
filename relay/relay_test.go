// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/loragw/lora-mqtt-bridge/backend/dummy"
	"github.com/loragw/lora-mqtt-bridge/middleware"
	"github.com/loragw/lora-mqtt-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

var testTopics = Topics{
	Out:       "lora/out",
	In:        "lora/in",
	Ping:      "lora/ping",
	PingReply: "lora/ping/reply",
}

type dropUplink struct{}

func (dropUplink) HandleUplink(_ middleware.Context, _ *types.RadioMessage) error {
	return errors.New("dropped")
}

func payloads(strs ...string) (out [][]byte) {
	for _, str := range strs {
		out = append(out, []byte(str))
	}
	return
}

func TestRelay(t *testing.T) {
	Convey("Given a new Context and dummy backends", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		radio := dummy.NewRadio(ctx)
		radio.Receive()
		network := dummy.NewNetwork(ctx)

		r := New(ctx, radio, network, Config{Topics: testTopics})

		Convey("The defaults should be set", func() {
			So(r.config.Announcement, ShouldEqual, DefaultAnnouncement)
			So(r.config.PingReply, ShouldEqual, DefaultPingReply)
		})

		Convey("When the context is cancelled while the network is down", func() {
			network.SetAvailable(false)
			cctx, cancel := context.WithCancel(context.Background())
			cancel()
			err := r.Iterate(cctx)
			Convey("Iterate should return the context error", func() {
				So(err, ShouldEqual, context.Canceled)
			})
		})

		Convey("When running the first iteration", func() {
			So(r.Iterate(context.Background()), ShouldBeNil)

			Convey("The network should be connected", func() {
				So(network.Connected(), ShouldBeTrue)
				So(r.connected, ShouldBeTrue)
			})
			Convey("The announcement should be published on the ping reply topic", func() {
				So(network.PublishedTo(testTopics.PingReply), ShouldResemble, payloads("Hi, from board"))
			})
			Convey("The ping and inbound topics should be subscribed", func() {
				So(network.Subscriptions(), ShouldResemble, []string{testTopics.Ping, testTopics.In})
			})
			Convey("The network should have been pumped", func() {
				So(network.Pumps(), ShouldEqual, 1)
			})

			Convey("When the radio receives hello", func() {
				radio.Inject([]byte("hello"), -80)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("hello should be published on the outbound topic", func() {
					So(network.PublishedTo(testTopics.Out), ShouldResemble, payloads("hello"))
				})
				Convey("It should not be published again", func() {
					So(r.Iterate(context.Background()), ShouldBeNil)
					So(network.PublishedTo(testTopics.Out), ShouldHaveLength, 1)
				})
			})

			Convey("When the radio receives two packets before an iteration", func() {
				radio.Inject([]byte("first"), -80)
				radio.Inject([]byte("second"), -70)
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("Only the second should be published", func() {
					So(network.PublishedTo(testTopics.Out), ShouldResemble, payloads("second"))
				})
			})

			Convey("When the radio receives a binary packet", func() {
				radio.Inject([]byte{0x00, 'a', 0x00, 0xff}, -80)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("It should be published verbatim", func() {
					So(network.PublishedTo(testTopics.Out), ShouldResemble, [][]byte{{0x00, 'a', 0x00, 0xff}})
				})
			})

			Convey("When cmd123 is delivered on the inbound topic", func() {
				network.Deliver(testTopics.In, []byte("cmd123"))
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("It should be transmitted and the radio re-armed", func() {
					So(radio.Transmitted(), ShouldResemble, payloads("cmd123"))
					So(radio.Receiving(), ShouldBeTrue)
				})
				Convey("It should not be transmitted again", func() {
					So(r.Iterate(context.Background()), ShouldBeNil)
					So(radio.Transmitted(), ShouldHaveLength, 1)
				})
			})

			Convey("When two messages are delivered on the inbound topic before an iteration", func() {
				network.Deliver(testTopics.In, []byte("cmd1"))
				network.Deliver(testTopics.In, []byte("cmd2"))
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("Only the second should be transmitted", func() {
					So(radio.Transmitted(), ShouldResemble, payloads("cmd2"))
				})
			})

			Convey("When two pings are delivered before an iteration", func() {
				network.Deliver(testTopics.Ping, []byte("a"))
				network.Deliver(testTopics.Ping, []byte("b"))
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("They should be answered once", func() {
					So(network.PublishedTo(testTopics.PingReply), ShouldResemble, payloads("Hi, from board", "I am alive ;)"))
				})
			})

			Convey("When a burst on the inbound topic is followed by a ping", func() {
				for i := 1; i <= 12; i++ {
					network.Deliver(testTopics.In, []byte(fmt.Sprintf("cmd%d", i)))
				}
				network.Deliver(testTopics.Ping, nil)
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("Only the newest message should be transmitted", func() {
					So(radio.Transmitted(), ShouldResemble, payloads("cmd12"))
				})
				Convey("The ping should still be answered", func() {
					So(network.PublishedTo(testTopics.PingReply), ShouldResemble, payloads("Hi, from board", "I am alive ;)"))
				})
			})

			Convey("When a binary message is delivered on the inbound topic", func() {
				network.Deliver(testTopics.In, []byte{0x00, 0x01, 0x00})
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("It should be transmitted verbatim", func() {
					So(radio.Transmitted(), ShouldResemble, [][]byte{{0x00, 0x01, 0x00}})
				})
			})

			Convey("When transmitting fails", func() {
				radio.SetTransmitError(errors.New("tx timeout"))
				network.Deliver(testTopics.In, []byte("cmd123"))
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("The radio should still be re-armed", func() {
					So(radio.Receiving(), ShouldBeTrue)
				})
			})

			Convey("When an empty ping is delivered", func() {
				network.Deliver(testTopics.Ping, []byte{})
				So(r.Iterate(context.Background()), ShouldBeNil)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("The ping reply should be published", func() {
					So(network.PublishedTo(testTopics.PingReply), ShouldResemble, payloads("Hi, from board", "I am alive ;)"))
				})
				Convey("Nothing should have been sent over radio", func() {
					So(radio.Transmitted(), ShouldBeEmpty)
				})
			})

			Convey("When a radio packet and a ping are pending in the same iteration", func() {
				network.Deliver(testTopics.Ping, nil)
				radio.Inject([]byte("hello"), -80)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("The radio packet should be published before the ping reply", func() {
					published := network.Published()
					So(published, ShouldHaveLength, 3)
					So(published[1].Topic, ShouldEqual, testTopics.Out)
					So(published[2].Topic, ShouldEqual, testTopics.PingReply)
					So(string(published[2].Payload), ShouldEqual, "I am alive ;)")
				})
			})

			Convey("When a message arrives on an unknown topic", func() {
				r.handleNetwork(&types.NetworkMessage{Topic: "other", Payload: []byte("x")})
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("It should be ignored", func() {
					So(radio.Transmitted(), ShouldBeEmpty)
					So(network.Published(), ShouldHaveLength, 1)
				})
			})

			Convey("When middleware drops radio messages", func() {
				r.Use(dropUplink{})
				radio.Inject([]byte("hello"), -80)
				So(r.Iterate(context.Background()), ShouldBeNil)

				Convey("Nothing should be published", func() {
					So(network.PublishedTo(testTopics.Out), ShouldBeEmpty)
				})
			})

			Convey("When the network session is lost", func() {
				network.SetAvailable(false)
				radio.Inject([]byte("hello"), -80)

				done := make(chan error, 1)
				go func() {
					done <- r.Iterate(context.Background())
				}()

				Convey("Nothing should be forwarded until the session is back", func() {
					select {
					case <-done:
						So("Iterate returned", ShouldBeFalse)
					case <-time.After(50 * time.Millisecond):
					}
					So(network.PublishedTo(testTopics.Out), ShouldBeEmpty)

					network.SetAvailable(true)
					select {
					case err := <-done:
						So(err, ShouldBeNil)
					case <-time.After(time.Second):
						So("Timeout Exceeded", ShouldBeFalse)
					}
					So(network.PublishedTo(testTopics.Out), ShouldResemble, payloads("hello"))
					So(network.Reconnects(), ShouldEqual, 2)
					So(network.PublishedTo(testTopics.PingReply), ShouldResemble, payloads("Hi, from board", "Hi, from board"))
				})
			})
		})

		Convey("When running the relay", func() {
			radio.Close()
			rctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- r.Run(rctx)
			}()

			deadline := time.Now().Add(time.Second)
			for !radio.Receiving() && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			radio.Inject([]byte("hello"), -80)

			for len(network.PublishedTo(testTopics.Out)) == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			cancel()

			Convey("The radio packet should be published", func() {
				So(network.PublishedTo(testTopics.Out), ShouldResemble, payloads("hello"))
			})
			Convey("Run should return when the context is cancelled", func() {
				select {
				case err := <-done:
					So(err, ShouldEqual, context.Canceled)
				case <-time.After(time.Second):
					So("Timeout Exceeded", ShouldBeFalse)
				}
			})
		})
	})
}
