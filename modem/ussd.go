package modem

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
)

// USSD result codes of +CUSD.
const (
	cusdNoFurtherAction = 0
	cusdFurtherAction   = 1
	cusdTerminated      = 2
	cusdOtherClient     = 3
	cusdNotSupported    = 4
	cusdNetworkTimeout  = 5

	dcsUCS2 = 72
)

var cusdPattern = regexp.MustCompile(`(?s)^\+CUSD:\s*(\d)(?:\s*,\s*"(.*)"\s*(?:,\s*(\d+))?)?\s*$`)

// USSDReply is a parsed +CUSD unsolicited result.
type USSDReply struct {
	Status int
	Text   string
	DCS    int
}

// RunUSSD dials a USSD string and waits for the network's reply. ok is
// false when the network did not answer within the USSD timeout; that is
// not an error.
func (m *Modem) RunUSSD(command string) (reply string, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := fmt.Sprintf("AT+CUSD=1,\"%s\",15\r", command)
	var cusd strings.Builder
	response, err := m.exchange(cmd, m.config.USSDTimeout, func(line string) bool {
		t := strings.TrimSpace(line)
		if isErrorLine(t) {
			return true
		}
		if cusd.Len() == 0 && !strings.HasPrefix(t, "+CUSD:") {
			return false
		}
		if cusd.Len() > 0 {
			cusd.WriteString("\n")
		}
		cusd.WriteString(t)
		return cusdPattern.MatchString(cusd.String())
	})
	if errors.Is(err, ErrTimeout) {
		m.log.Warn("ussd reply timed out", zap.String("ussd", command), zap.Duration("timeout", m.config.USSDTimeout))
		// best effort, the session may already be gone
		_, _ = m.exchange(cmdCancelUSSD, m.config.ResponseTimeout, isTerminalLine)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if cusd.Len() == 0 {
		return "", false, fmt.Errorf("ussd %s refused by modem: %s", command, strings.TrimSpace(response))
	}

	parsed, err := ParseCUSD(cusd.String())
	if err != nil {
		return "", false, err
	}
	m.log.Debug("ussd reply", zap.String("ussd", command), zap.Int("status", parsed.Status), zap.String("text", parsed.Text))

	switch parsed.Status {
	case cusdNotSupported:
		return "operation not supported", true, nil
	case cusdNetworkTimeout:
		return "", false, nil
	}
	if parsed.Text == "" {
		return "", false, nil
	}
	if parsed.Status == cusdFurtherAction {
		// menus wait for input we never send
		_, _ = m.exchange(cmdCancelUSSD, m.config.ResponseTimeout, isTerminalLine)
	}
	return parsed.Text, true, nil
}

// ParseCUSD parses a complete +CUSD result, decoding UCS2 text.
func ParseCUSD(raw string) (USSDReply, error) {
	match := cusdPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return USSDReply{}, fmt.Errorf("malformed +CUSD result %q", raw)
	}
	status, _ := strconv.Atoi(match[1])
	reply := USSDReply{Status: status, Text: match[2]}
	if match[3] != "" {
		reply.DCS, _ = strconv.Atoi(match[3])
	}
	if reply.DCS == dcsUCS2 {
		if decoded, err := DecodeUCS2(reply.Text); err == nil {
			reply.Text = decoded
		}
	}
	return reply, nil
}

// DecodeUCS2 decodes a hex string of big-endian UTF-16 code units.
func DecodeUCS2(hexText string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexText))
	if err != nil {
		return "", err
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("ucs2 payload has odd length %d", len(raw))
	}
	decoded, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
