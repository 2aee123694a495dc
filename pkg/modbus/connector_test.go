package modbus_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jihwankim/plant-datalogger/pkg/analysis"
	"github.com/jihwankim/plant-datalogger/pkg/config"
	"github.com/jihwankim/plant-datalogger/pkg/eventbus"
	"github.com/jihwankim/plant-datalogger/pkg/modbus"
	"github.com/jihwankim/plant-datalogger/pkg/reporting"
)

// fakeServer is a minimal single-connection Modbus/TCP server used to drive
// the connector's scan loop without a real PLC. respond is called once per
// received request and returns the PDU bytes to frame back (exception PDUs
// included).
type fakeServer struct {
	ln       net.Listener
	respond  func(unitID uint8, fn modbusFn, addr, qty uint16) []byte
	requests chan struct{}
}

type modbusFn = uint8

func newFakeServer(t *testing.T, respond func(unitID uint8, fn modbusFn, addr, qty uint16) []byte) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, respond: respond, requests: make(chan struct{}, 64)}
	go s.serve()
	return s
}

func (s *fakeServer) addr() (string, uint16) {
	tcpAddr := s.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

func (s *fakeServer) close() { s.ln.Close() }

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		var header [7]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		txID := binary.BigEndian.Uint16(header[0:2])
		length := binary.BigEndian.Uint16(header[4:6])
		unitID := header[6]

		pdu := make([]byte, int(length)-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		fn := pdu[0]
		addr := binary.BigEndian.Uint16(pdu[1:3])
		qty := binary.BigEndian.Uint16(pdu[3:5])

		select {
		case s.requests <- struct{}{}:
		default:
		}

		respPDU := s.respond(unitID, fn, addr, qty)

		resp := make([]byte, 0, 7+len(respPDU))
		resp = append(resp, byte(txID>>8), byte(txID))
		resp = append(resp, 0, 0)
		l := uint16(1 + len(respPDU))
		resp = append(resp, byte(l>>8), byte(l))
		resp = append(resp, unitID)
		resp = append(resp, respPDU...)

		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func holdingRegisterResponse(values ...uint16) []byte {
	body := make([]byte, 0, 2+len(values)*2)
	body = append(body, 0x03, byte(len(values)*2))
	for _, v := range values {
		body = append(body, byte(v>>8), byte(v))
	}
	return body
}

func TestConnectorDecodesGoodSamples(t *testing.T) {
	server := newFakeServer(t, func(_ uint8, _ modbusFn, _, _ uint16) []byte {
		return holdingRegisterResponse(0x3F80, 0x0000) // float32 1.0
	})
	defer server.close()
	host, port := server.addr()

	cfg := config.ConnectionConfig{
		ConnectionName: "press-1",
		Type:           config.ConnectionModbus,
		Host:           host,
		Port:           port,
		UnitID:         1,
		ScanIntervalMs: 20,
		ModbusTags: []config.ModbusTagConfig{
			{TagName: "pressure", Address: 100, RegisterType: config.HoldingRegister, DataType: config.DataFloat32, IsActive: true},
		},
	}

	var mu sync.Mutex
	var samples []analysis.Sample
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := modbus.NewConnector(cfg, eventbus.New(), nil, testLogger(), func(s analysis.Sample) {
		mu.Lock()
		samples = append(samples, s)
		if len(samples) == 1 {
			close(done)
		}
		mu.Unlock()
	})

	go conn.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sample")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, samples)
	require.True(t, samples[0].IsGoodQuality)
	require.Equal(t, "pressure", samples[0].TagName)
	f, ok := samples[0].Value.AsFloat64()
	require.True(t, ok)
	require.InDelta(t, 1.0, f, 1e-6)
}

func TestConnectorExceptionMarksBadQuality(t *testing.T) {
	server := newFakeServer(t, func(_ uint8, fn modbusFn, _, _ uint16) []byte {
		return []byte{fn | 0x80, 0x02} // IllegalDataAddress
	})
	defer server.close()
	host, port := server.addr()

	cfg := config.ConnectionConfig{
		ConnectionName: "press-1",
		Type:           config.ConnectionModbus,
		Host:           host,
		Port:           port,
		UnitID:         1,
		ScanIntervalMs: 20,
		ModbusTags: []config.ModbusTagConfig{
			{TagName: "pressure", Address: 100, RegisterType: config.HoldingRegister, DataType: config.DataUInt16, IsActive: true},
		},
	}

	var mu sync.Mutex
	var samples []analysis.Sample
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := modbus.NewConnector(cfg, eventbus.New(), nil, testLogger(), func(s analysis.Sample) {
		mu.Lock()
		samples = append(samples, s)
		if len(samples) == 1 {
			close(done)
		}
		mu.Unlock()
	})

	go conn.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sample")
	}

	mu.Lock()
	defer mu.Unlock()
	require.False(t, samples[0].IsGoodQuality)
	require.Equal(t, "IllegalDataAddress", samples[0].ErrorMessage)
}

func testLogger() *reporting.Logger {
	return reporting.NewLogger(reporting.LoggerConfig{Level: reporting.LogLevelError})
}
