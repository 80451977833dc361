package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/parser"
	"github.com/saviobatista/asset-tracker/internal/types"
)

const (
	sentenceGGA    = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	sentenceRMC    = "$GPRMC,100000.00,A,3403.132,N,11814.622,W,012.5,270.0,010425,003.1,W*55"
	sentenceNoFix  = "$GPGGA,100000.00,3403.132,N,11814.622,W,0,00,,,M,,M,,*6F"
	sentenceGSV    = "$GPGSV,1,1,01,10,45,120,40*4F"
	sentenceBadSum = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00"
)

func init() {
	retryDelay = 20 * time.Millisecond
}

// Mock NATS client for testing
type mockNATSClient struct {
	mu           sync.Mutex
	published    []*types.PositionUpdate
	publishError error
	closed       bool
}

func (m *mockNATSClient) PublishPositionUpdate(update *types.PositionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.published = append(m.published, update)
	return nil
}

func (m *mockNATSClient) Close() {
	m.closed = true
}

func (m *mockNATSClient) updates() []*types.PositionUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.PositionUpdate(nil), m.published...)
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Source
		expectError bool
	}{
		{
			name:     "device and address",
			input:    "gps-1@localhost:10110",
			expected: Source{DeviceID: "gps-1", Addr: "localhost:10110"},
		},
		{
			name:     "surrounding spaces",
			input:    "  gps-2@10.0.0.5:4001 ",
			expected: Source{DeviceID: "gps-2", Addr: "10.0.0.5:4001"},
		},
		{
			name:     "address only",
			input:    "localhost:10110",
			expected: Source{DeviceID: "localhost:10110", Addr: "localhost:10110"},
		},
		{name: "missing device id", input: "@localhost:10110", expectError: true},
		{name: "missing address", input: "gps-1@", expectError: true},
		{name: "missing port", input: "gps-1@localhost", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSource(tt.input)
			if (err != nil) != tt.expectError {
				t.Fatalf("parseSource(%q) error = %v, expectError %v", tt.input, err, tt.expectError)
			}
			if !tt.expectError && got != tt.expected {
				t.Errorf("parseSource(%q) = %+v, expected %+v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPublishSentence(t *testing.T) {
	source := Source{DeviceID: "gps-1", Addr: "localhost:1"}

	tests := []struct {
		name           string
		sentence       string
		publishError   error
		expectMessages int
	}{
		{name: "GGA fix", sentence: sentenceGGA, expectMessages: 1},
		{name: "RMC fix", sentence: sentenceRMC, expectMessages: 1},
		{name: "no fix", sentence: sentenceNoFix},
		{name: "unsupported sentence", sentence: sentenceGSV},
		{name: "bad checksum", sentence: sentenceBadSum},
		{name: "garbage", sentence: "hello"},
		{name: "publish error", sentence: sentenceGGA, publishError: fmt.Errorf("NATS error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &mockNATSClient{publishError: tt.publishError}
			publishSentence(source, tt.sentence, mockClient, zerolog.Nop())

			got := mockClient.updates()
			if len(got) != tt.expectMessages {
				t.Fatalf("Expected %d published updates, got %d", tt.expectMessages, len(got))
			}
			if len(got) == 1 {
				if got[0].MacID != "gps-1" {
					t.Errorf("Expected MAC id gps-1, got %s", got[0].MacID)
				}
				if got[0].Source != parser.SourceNMEA {
					t.Errorf("Expected source %s, got %s", parser.SourceNMEA, got[0].Source)
				}
			}
		})
	}
}

// TestIngestSource tests the ingestSource function with various scenarios
func TestIngestSource(t *testing.T) {
	tests := []struct {
		name           string
		setupMockNATS  func() *mockNATSClient
		messages       []string
		expectMessages int
	}{
		{
			name:          "successful ingestion",
			setupMockNATS: func() *mockNATSClient { return &mockNATSClient{} },
			messages: []string{
				sentenceGGA + "\r\n",
				sentenceGSV + "\r\n",
				sentenceRMC + "\r\n",
			},
			expectMessages: 2,
		},
		{
			name:           "NATS publish error",
			setupMockNATS:  func() *mockNATSClient { return &mockNATSClient{publishError: fmt.Errorf("NATS error")} },
			messages:       []string{sentenceGGA + "\r\n"},
			expectMessages: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener, err := createMockTCPServer(tt.messages)
			if err != nil {
				t.Fatalf("Failed to create mock server: %v", err)
			}
			defer listener.Close()

			source := Source{DeviceID: "gps-1", Addr: listener.Addr().String()}
			mockClient := tt.setupMockNATS()

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			done := make(chan struct{})
			go func() {
				ingestSource(ctx, source, mockClient, zerolog.Nop())
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("ingestSource did not return after cancel")
			}

			// The mock server replays its messages on every reconnect.
			got := mockClient.updates()
			if tt.expectMessages == 0 && len(got) != 0 {
				t.Errorf("Expected no published updates, got %d", len(got))
			}
			if tt.expectMessages > 0 && len(got) < tt.expectMessages {
				t.Errorf("Expected at least %d published updates, got %d", tt.expectMessages, len(got))
			}
		})
	}
}

// TestConnectWithRetry tests the connection retry logic
func TestConnectWithRetry(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatalf("Failed to listen: %v", err)
		}
		defer listener.Close()

		conn, err := connectWithRetry(context.Background(), listener.Addr().String(), zerolog.Nop())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		conn.Close()
	})

	t.Run("gives up when cancelled", func(t *testing.T) {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatalf("Failed to listen: %v", err)
		}
		addr := listener.Addr().String()
		listener.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		conn, err := connectWithRetry(ctx, addr, zerolog.Nop())
		if err == nil {
			conn.Close()
			t.Fatal("Expected error, got nil")
		}
	})

	t.Run("connects once the server comes up", func(t *testing.T) {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatalf("Failed to listen: %v", err)
		}
		addr := listener.Addr().String()
		listener.Close()

		go func() {
			time.Sleep(50 * time.Millisecond)
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return
			}
			defer l.Close()
			conn, err := l.Accept()
			if err == nil {
				conn.Close()
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		conn, err := connectWithRetry(ctx, addr, zerolog.Nop())
		if err != nil {
			t.Fatalf("Expected retry to succeed, got: %v", err)
		}
		conn.Close()
	})
}

// TestConnectAndIngest tests the connectAndIngest function
func TestConnectAndIngest(t *testing.T) {
	t.Run("reads until the source closes", func(t *testing.T) {
		listener, err := createMockTCPServer([]string{sentenceGGA + "\r\n", "\r\n", sentenceRMC + "\n"})
		if err != nil {
			t.Fatalf("Failed to create mock server: %v", err)
		}
		defer listener.Close()

		mockClient := &mockNATSClient{}
		source := Source{DeviceID: "gps-1", Addr: listener.Addr().String()}

		err = connectAndIngest(context.Background(), source, mockClient, zerolog.Nop())
		if err == nil {
			t.Error("Expected an error when the source closes the connection")
		}
		if got := len(mockClient.updates()); got != 2 {
			t.Errorf("Expected 2 updates, got %d", got)
		}
	})

	t.Run("returns nil on cancel", func(t *testing.T) {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			t.Fatalf("Failed to listen: %v", err)
		}
		defer listener.Close()
		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			time.Sleep(time.Second)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		source := Source{DeviceID: "gps-1", Addr: listener.Addr().String()}
		if err := connectAndIngest(ctx, source, &mockNATSClient{}, zerolog.Nop()); err != nil {
			t.Errorf("Expected nil on cancel, got: %v", err)
		}
	})
}

// Helper functions

// createMockTCPServer creates a mock TCP server that sends predefined messages
func createMockTCPServer(messages []string) (net.Listener, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return // Listener closed
			}

			go func(conn net.Conn) {
				defer conn.Close()

				// Send messages with small delay
				for _, msg := range messages {
					time.Sleep(10 * time.Millisecond)
					if _, err := conn.Write([]byte(msg)); err != nil {
						return
					}
				}

				// Keep connection open briefly then close
				time.Sleep(100 * time.Millisecond)
			}(conn)
		}
	}()

	return listener, nil
}

// TestNATSClientInterface tests that our mock implements the expected interface
func TestNATSClientInterface(t *testing.T) {
	mock := &mockNATSClient{}

	var client NATSClient = mock

	update := &types.PositionUpdate{MacID: "gps-1", Source: parser.SourceNMEA, ReceivedAt: time.Now()}
	if err := client.PublishPositionUpdate(update); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	client.Close()

	if !mock.closed {
		t.Error("Expected mock to be marked as closed")
	}
}
