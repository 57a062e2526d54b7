package velbus

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		url     string
		want    Endpoint
		wantErr bool
	}{
		{url: "serial:///dev/ttyACM0", want: Endpoint{Scheme: SchemeSerial, Address: "/dev/ttyACM0", BaudRate: DefaultBaudRate}},
		{url: "serial:///dev/ttyUSB0?baud=9600", want: Endpoint{Scheme: SchemeSerial, Address: "/dev/ttyUSB0", BaudRate: 9600}},
		{url: "serial://COM3", want: Endpoint{Scheme: SchemeSerial, Address: "COM3", BaudRate: DefaultBaudRate}},
		{url: "tcp://192.168.1.10:6000", want: Endpoint{Scheme: SchemeTCP, Address: "192.168.1.10:6000"}},
		{url: "tcp://", want: Endpoint{Scheme: SchemeTCP, Address: defaultTCPAddress}},
		{url: "serial://", wantErr: true},
		{url: "serial:///dev/ttyACM0?baud=fast", wantErr: true},
		{url: "serial:///dev/ttyACM0?baud=-1", wantErr: true},
		{url: "udp://host:6000", wantErr: true},
		{url: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ParseEndpoint(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseEndpoint(%q) = %+v, want error", tt.url, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint(%q) error = %v", tt.url, err)
			}
			if got != tt.want {
				t.Errorf("ParseEndpoint(%q) = %+v, want %+v", tt.url, got, tt.want)
			}
		})
	}
}

func TestEndpoint_String(t *testing.T) {
	tests := []struct {
		ep   Endpoint
		want string
	}{
		{Endpoint{Scheme: SchemeSerial, Address: "/dev/ttyACM0", BaudRate: 38400}, "serial:///dev/ttyACM0?baud=38400"},
		{Endpoint{Scheme: SchemeTCP, Address: "velserv:6000"}, "tcp://velserv:6000"},
	}
	for _, tt := range tests {
		if got := tt.ep.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestOpenTransport_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := OpenTransport(context.Background(), Endpoint{Scheme: SchemeTCP, Address: ln.Addr().String()}, time.Second)
	if err != nil {
		t.Fatalf("OpenTransport() error = %v", err)
	}
	defer conn.Close()

	if _, ok := conn.(writeDeadliner); !ok {
		t.Error("TCP transport should support write deadlines")
	}

	select {
	case server := <-accepted:
		server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept")
	}
}

func TestOpenTransport_Errors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	closedAddr := ln.Addr().String()
	ln.Close()

	tests := []struct {
		name string
		ep   Endpoint
	}{
		{"refused", Endpoint{Scheme: SchemeTCP, Address: closedAddr}},
		{"missing serial device", Endpoint{Scheme: SchemeSerial, Address: "/dev/velbus-does-not-exist", BaudRate: DefaultBaudRate}},
		{"unknown scheme", Endpoint{Scheme: "udp", Address: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := OpenTransport(context.Background(), tt.ep, time.Second)
			if err == nil {
				conn.Close()
				t.Fatal("OpenTransport() expected error")
			}
		})
	}
}
