// Package modem talks to a GSM modem over a serial line with AT commands:
// USSD sessions (AT+CUSD) and the SMS inbox (AT+CMGL / AT+CMGD).
package modem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"ussd-airtime-bot/logging"
)

const (
	cmdEchoOff      = "ATE0\r"
	cmdSMSTextMode  = "AT+CMGF=1\r"
	cmdCharsetGSM   = "AT+CSCS=\"GSM\"\r"
	cmdListAllSMS   = "AT+CMGL=\"ALL\"\r"
	cmdCancelUSSD   = "AT+CUSD=2\r"
	defaultResponse = 10 * time.Second
	readBackoff     = 100 * time.Millisecond
)

var (
	ErrClosed  = errors.New("modem link closed")
	ErrTimeout = errors.New("modem response timeout")
)

// Port is the byte stream to the modem. *serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
}

type Config struct {
	PortName        string
	BaudRate        int
	ResponseTimeout time.Duration
	USSDTimeout     time.Duration
}

// Modem serialises command exchanges on one serial link; USSD sessions and
// SMS listing never interleave.
type Modem struct {
	mu      sync.Mutex
	port    Port
	reader  *bufio.Reader
	partial string
	config  Config
	log     *zap.Logger
}

// Open opens the serial port and switches echo off.
func Open(cfg Config, log *zap.Logger) (*Modem, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.PortName,
		Baud:        cfg.BaudRate,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.PortName, err)
	}
	m := New(p, cfg, log)
	if _, err := m.SendCommand(cmdEchoOff); err != nil {
		p.Close()
		return nil, fmt.Errorf("initialise modem on %s: %w", cfg.PortName, err)
	}
	return m, nil
}

// New wraps an already open port.
func New(port Port, cfg Config, log *zap.Logger) *Modem {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponse
	}
	if cfg.USSDTimeout <= 0 {
		cfg.USSDTimeout = 30 * time.Second
	}
	return &Modem{
		port:   port,
		reader: bufio.NewReader(port),
		config: cfg,
		log:    logging.OrNop(log).With(zap.String("port", cfg.PortName)),
	}
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// SendCommand writes one AT command and collects lines until OK or ERROR.
func (m *Modem) SendCommand(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchange(cmd, m.config.ResponseTimeout, isTerminalLine)
}

// exchange must be called with mu held. done decides which line ends the response.
func (m *Modem) exchange(cmd string, timeout time.Duration, done func(string) bool) (string, error) {
	if m.port == nil {
		return "", ErrClosed
	}
	m.log.Debug("modem command", zap.String("cmd", strings.TrimRight(cmd, "\r\n")))
	if _, err := m.port.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}

	var response strings.Builder
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := m.readLine()
		if err != nil {
			return response.String(), err
		}
		if line == "" {
			continue
		}
		response.WriteString(line)
		if done(line) {
			return response.String(), nil
		}
	}
	return response.String(), ErrTimeout
}

// readLine returns "" with a nil error on recoverable timeouts; a partial
// line is kept until its newline arrives.
func (m *Modem) readLine() (string, error) {
	line, err := m.reader.ReadString('\n')
	if err == nil {
		line = m.partial + line
		m.partial = ""
		return line, nil
	}
	m.partial += line
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, io.EOF) {
		time.Sleep(readBackoff)
		return "", nil
	}
	return "", fmt.Errorf("read response: %w", err)
}

func isTerminalLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "OK" || t == "ERROR" {
		return true
	}
	return strings.HasPrefix(t, "+CME ERROR") || strings.HasPrefix(t, "+CMS ERROR")
}

func isErrorLine(line string) bool {
	t := strings.TrimSpace(line)
	return t == "ERROR" || strings.HasPrefix(t, "+CME ERROR") || strings.HasPrefix(t, "+CMS ERROR")
}
