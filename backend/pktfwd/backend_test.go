// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/brocaar/lorawan"
	"github.com/loragw/lora-mqtt-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

var testMAC = lorawan.EUI64([8]byte{1, 2, 3, 4, 5, 6, 7, 8})

func testRXPK(stat int8) RXPK {
	return RXPK{
		Time: CompactTime(time.Now().UTC()),
		Tmst: 708016819,
		Freq: 868.5,
		Chan: 2,
		RFCh: 1,
		Stat: stat,
		Modu: "LORA",
		DatR: DatR{LoRa: "SF7BW125"},
		CodR: "4/5",
		RSSI: -51,
		LSNR: 7,
		Size: 16,
		Data: "QAEBAQGAAAABVfdjR6YrSw==",
	}
}

func pushData(rxpk ...RXPK) PushDataPacket {
	return PushDataPacket{
		ProtocolVersion: ProtocolVersion2,
		RandomToken:     1234,
		GatewayMAC:      testMAC,
		Payload:         PushDataPayload{RXPK: rxpk},
	}
}

func pullData() PullDataPacket {
	return PullDataPacket{
		ProtocolVersion: ProtocolVersion2,
		RandomToken:     12345,
		GatewayMAC:      testMAC,
	}
}

// fakeGateway is the packet forwarder side of the UDP protocol
type fakeGateway struct {
	conn    *net.UDPConn
	backend *net.UDPAddr
}

func newFakeGateway(backend *net.UDPAddr) (*fakeGateway, error) {
	conn, err := net.ListenUDP("udp", udpAddr("127.0.0.1:0"))
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(time.Second)); err != nil {
		conn.Close()
		return nil, err
	}
	return &fakeGateway{conn: conn, backend: backend}, nil
}

func (g *fakeGateway) write(p interface {
	MarshalBinary() ([]byte, error)
}) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = g.conn.WriteToUDP(b, g.backend)
	return err
}

func (g *fakeGateway) read() ([]byte, error) {
	buf := make([]byte, 65507)
	i, _, err := g.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:i], nil
}

func receiveWithin(ch <-chan *types.RadioMessage, d time.Duration) *types.RadioMessage {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(d):
		return nil
	}
}

func TestBackend(t *testing.T) {
	Convey("Given a new Backend binding at a random port", t, func(c C) {
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

		backend, err := NewBackend("127.0.0.1:0", false, 0, ctx)
		So(err, ShouldBeNil)
		defer backend.Close()

		Convey("Given a fake gateway UDP publisher", func() {
			gw, err := newFakeGateway(backend.Addr())
			So(err, ShouldBeNil)
			defer gw.conn.Close()

			Convey("When sending a PULL_DATA packet", func() {
				p := pullData()
				So(gw.write(p), ShouldBeNil)

				Convey("Then an ACK packet is returned", func() {
					data, err := gw.read()
					So(err, ShouldBeNil)
					var ack PullACKPacket
					So(ack.UnmarshalBinary(data), ShouldBeNil)
					So(ack.RandomToken, ShouldEqual, p.RandomToken)
					So(ack.ProtocolVersion, ShouldEqual, p.ProtocolVersion)
				})
			})

			Convey("When sending a PUSH_DATA packet with stats", func() {
				p := pushData()
				p.Payload.Stat = &Stat{
					Time: ExpandedTime(time.Now().UTC()),
					RXNb: 1,
					RXOK: 1,
				}
				So(gw.write(p), ShouldBeNil)

				Convey("Then an ACK packet is returned", func() {
					data, err := gw.read()
					So(err, ShouldBeNil)
					var ack PushACKPacket
					So(ack.UnmarshalBinary(data), ShouldBeNil)
					So(ack.RandomToken, ShouldEqual, p.RandomToken)
				})
				Convey("Then nothing is received", func() {
					So(receiveWithin(backend.RXPacketChan(), 50*time.Millisecond), ShouldBeNil)
				})
			})

			Convey("When sending a PUSH_DATA packet with RXPK (CRC OK)", func() {
				So(gw.write(pushData(testRXPK(1))), ShouldBeNil)

				Convey("Then an ACK packet is returned", func() {
					data, err := gw.read()
					So(err, ShouldBeNil)
					var ack PushACKPacket
					So(ack.UnmarshalBinary(data), ShouldBeNil)
					So(ack.RandomToken, ShouldEqual, 1234)
				})

				Convey("Then the packet is returned by the RX packet channel", func() {
					msg := receiveWithin(backend.RXPacketChan(), time.Second)
					So(msg, ShouldNotBeNil)
					expected, _ := base64.StdEncoding.DecodeString("QAEBAQGAAAABVfdjR6YrSw==")
					So(msg.Payload, ShouldResemble, expected)
					So(msg.RSSI, ShouldEqual, -51)
					So(msg.SNR, ShouldEqual, 7)
				})
			})

			Convey("When sending a PUSH_DATA packet with RXPK (CRC not OK)", func() {
				So(gw.write(pushData(testRXPK(-1))), ShouldBeNil)

				Convey("Then an ACK packet is returned", func() {
					_, err := gw.read()
					So(err, ShouldBeNil)
				})
				Convey("Then the packet is not returned by the RX packet channel", func() {
					So(receiveWithin(backend.RXPacketChan(), 50*time.Millisecond), ShouldBeNil)
				})
			})

			Convey("Given skipCRCCheck=true", func() {
				backend.skipCRCCheck = true

				Convey("When sending a PUSH_DATA packet with RXPK (CRC not OK)", func() {
					So(gw.write(pushData(testRXPK(-1))), ShouldBeNil)

					Convey("Then the packet is returned by the RX packet channel", func() {
						So(receiveWithin(backend.RXPacketChan(), time.Second), ShouldNotBeNil)
					})
				})
			})

			Convey("When sending a PUSH_DATA packet with an empty RXPK", func() {
				rxpk := testRXPK(1)
				rxpk.Data, rxpk.Size = "", 0
				So(gw.write(pushData(rxpk)), ShouldBeNil)

				Convey("Then the packet is not returned by the RX packet channel", func() {
					So(receiveWithin(backend.RXPacketChan(), 50*time.Millisecond), ShouldBeNil)
				})
			})

			Convey("Given a TXPK", func() {
				txpk := TXPK{
					Imme: true,
					Freq: 868.1,
					Powe: 14,
					Modu: "LORA",
					DatR: DatR{LoRa: "SF8BW125"},
					CodR: "4/5",
					Size: 4,
					Data: base64.StdEncoding.EncodeToString([]byte{1, 0, 3, 4}),
				}

				Convey("When sending the TXPK and no gateway is known to the backend", func() {
					err := backend.Send(txpk)
					Convey("Then the backend returns an error", func() {
						So(err, ShouldEqual, ErrNoGateway)
					})
				})

				Convey("When sending the TXPK when the gateway is known to the backend", func() {
					p := pullData()
					So(gw.write(p), ShouldBeNil)
					_, err := gw.read()
					So(err, ShouldBeNil)

					err = backend.Send(txpk)

					Convey("Then no error is returned", func() {
						So(err, ShouldBeNil)
					})

					Convey("Then the data is received by the gateway", func() {
						data, err := gw.read()
						So(err, ShouldBeNil)
						var pullResp PullRespPacket
						So(pullResp.UnmarshalBinary(data), ShouldBeNil)
						So(pullResp, ShouldResemble, PullRespPacket{
							ProtocolVersion: p.ProtocolVersion,
							Payload:         PullRespPayload{TXPK: txpk},
						})
					})

					Convey("When the gateway reports an error in its TX_ACK", func() {
						So(gw.write(TXACKPacket{
							ProtocolVersion: ProtocolVersion2,
							GatewayMAC:      testMAC,
							Payload:         &TXACKPayload{TXPKACK: TXPKACK{Error: "TOO_LATE"}},
						}), ShouldBeNil)
						time.Sleep(50 * time.Millisecond)

						Convey("Then the error is logged", func() {
							So(logs.String(), ShouldContainSubstring, "TOO_LATE")
						})
					})
				})
			})

			Convey("When closing the backend", func() {
				So(backend.Close(), ShouldBeNil)
				Convey("Closing again should be a no-op", func() {
					So(backend.Close(), ShouldBeNil)
				})
				Convey("Sending should fail", func() {
					backend.gateways.set(testMAC, gateway{addr: udpAddr("127.0.0.1:1"), lastSeen: time.Now()})
					So(backend.Send(TXPK{}), ShouldNotBeNil)
				})
			})
		})
	})

	Convey("Given a new Backend with a source lock", t, func(c C) {
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

		backend, err := NewBackend("127.0.0.1:0", false, time.Minute, ctx)
		So(err, ShouldBeNil)
		defer backend.Close()

		Convey("When a gateway is bound to another address", func() {
			So(backend.sourceLocks.Set(testMAC, udpAddr("127.0.0.2:1700")), ShouldBeNil)
			gw, err := newFakeGateway(backend.Addr())
			So(err, ShouldBeNil)
			defer gw.conn.Close()
			So(gw.write(pushData(testRXPK(1))), ShouldBeNil)

			Convey("Then the packet is rejected", func() {
				So(receiveWithin(backend.RXPacketChan(), 50*time.Millisecond), ShouldBeNil)
			})
		})
	})
}

func TestGateways(t *testing.T) {
	Convey("Given an empty gateway registry", t, func() {
		gws := gateways{gateways: make(map[lorawan.EUI64]gateway)}

		Convey("The last gateway should not exist", func() {
			_, err := gws.last()
			So(err, ShouldEqual, ErrNoGateway)
		})

		Convey("When two gateways pull", func() {
			other := lorawan.EUI64([8]byte{8, 7, 6, 5, 4, 3, 2, 1})
			So(gws.set(testMAC, gateway{addr: udpAddr("127.0.0.1:1"), lastSeen: time.Now()}), ShouldBeTrue)
			So(gws.set(other, gateway{addr: udpAddr("127.0.0.1:2"), lastSeen: time.Now()}), ShouldBeTrue)

			Convey("The last gateway should be the most recent one", func() {
				gw, err := gws.last()
				So(err, ShouldBeNil)
				So(gw.addr.Port, ShouldEqual, 2)
			})

			Convey("When the first one pulls again", func() {
				So(gws.set(testMAC, gateway{addr: udpAddr("127.0.0.1:1"), lastSeen: time.Now()}), ShouldBeFalse)
				gw, _ := gws.last()
				So(gw.addr.Port, ShouldEqual, 1)
			})

			Convey("When a gateway was not seen for a while", func() {
				gws.set(other, gateway{addr: udpAddr("127.0.0.1:2"), lastSeen: time.Now().Add(-2 * time.Minute)})
				deleted := gws.cleanup()
				So(deleted, ShouldResemble, []lorawan.EUI64{other})
				_, ok := gws.get(testMAC)
				So(ok, ShouldBeTrue)
				_, err := gws.last()
				So(err, ShouldEqual, ErrNoGateway)
			})
		})
	})
}

func TestNewRadioMessageFromRXPK(t *testing.T) {
	Convey("Given an RXPK from a multi-antenna gateway", t, func() {
		rxpk := testRXPK(1)
		rxpk.RSig = []RSig{
			{Ant: 0, LSNR: 5, RSSIC: -40},
			{Ant: 1, LSNR: 9, RSSIC: -60},
			{Ant: 2, LSNR: 9, RSSIC: -55},
		}
		msg, err := newRadioMessageFromRXPK(rxpk)
		Convey("The best reception should be used", func() {
			So(err, ShouldBeNil)
			So(msg.SNR, ShouldEqual, 9)
			So(msg.RSSI, ShouldEqual, -55)
		})
	})

	Convey("Given an RXPK with an invalid data rate", t, func() {
		rxpk := testRXPK(1)
		rxpk.DatR = DatR{LoRa: "fast"}
		_, err := newRadioMessageFromRXPK(rxpk)
		So(err, ShouldNotBeNil)
	})

	Convey("Given an RXPK with invalid base64", t, func() {
		rxpk := testRXPK(1)
		rxpk.Data = "!!"
		_, err := newRadioMessageFromRXPK(rxpk)
		So(err, ShouldNotBeNil)
	})
}

func TestDatR(t *testing.T) {
	Convey("LoRa data rates should be strings", t, func() {
		b, err := json.Marshal(DatR{LoRa: "SF8BW125"})
		So(err, ShouldBeNil)
		So(string(b), ShouldEqual, `"SF8BW125"`)

		dr, err := newDataRateFromDatR(DatR{LoRa: "SF12BW250"})
		So(err, ShouldBeNil)
		So(dr.SpreadFactor, ShouldEqual, 12)
		So(dr.Bandwidth, ShouldEqual, 250)
		So(newDatRFromDataRate(dr), ShouldResemble, DatR{LoRa: "SF12BW250"})
	})
	Convey("FSK data rates should be numbers", t, func() {
		var d DatR
		So(json.Unmarshal([]byte(`50000`), &d), ShouldBeNil)
		So(d.FSK, ShouldEqual, 50000)

		dr, err := newDataRateFromDatR(d)
		So(err, ShouldBeNil)
		So(dr.BitRate, ShouldEqual, 50000)
	})
	Convey("An empty data rate should be an error", t, func() {
		_, err := newDataRateFromDatR(DatR{})
		So(err, ShouldNotBeNil)
	})
}

func TestGetPacketType(t *testing.T) {
	Convey("Short packets should be rejected", t, func() {
		_, err := GetPacketType([]byte{2, 0})
		So(err, ShouldEqual, ErrPacketTooShort)
	})
	Convey("Unknown protocol versions should be rejected", t, func() {
		_, err := GetPacketType([]byte{3, 0, 0, 0})
		So(err, ShouldEqual, ErrInvalidProtocolVersion)
	})
	Convey("The packet type should be the fourth byte", t, func() {
		pt, err := GetPacketType([]byte{2, 0, 0, 5})
		So(err, ShouldBeNil)
		So(pt, ShouldEqual, TXACK)
		So(pt.String(), ShouldEqual, "TX_ACK")
	})
	Convey("A PULL_RESP for protocol version 1 should not carry a token", t, func() {
		b, err := PullRespPacket{ProtocolVersion: ProtocolVersion1, RandomToken: 42}.MarshalBinary()
		So(err, ShouldBeNil)
		So(b[1], ShouldEqual, 0)
		So(b[2], ShouldEqual, 0)
	})
}
