package modem

import (
	"fmt"
	"strconv"
	"strings"
)

// SMS is one message from the modem's storage.
type SMS struct {
	Index     int
	Status    string
	Sender    string
	Timestamp string
	Text      string
}

// ListSMS returns every stored message in text mode.
func (m *Modem) ListSMS() ([]SMS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cmd := range []string{cmdSMSTextMode, cmdCharsetGSM} {
		if _, err := m.exchange(cmd, m.config.ResponseTimeout, isTerminalLine); err != nil {
			return nil, fmt.Errorf("prepare sms listing: %w", err)
		}
	}
	response, err := m.exchange(cmdListAllSMS, m.config.ResponseTimeout, isTerminalLine)
	if err != nil {
		return nil, fmt.Errorf("list sms: %w", err)
	}
	return ParseSMSList(response), nil
}

// DeleteSMS removes the message at index from storage.
func (m *Modem) DeleteSMS(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, err := m.exchange(fmt.Sprintf("AT+CMGD=%d\r", index), m.config.ResponseTimeout, isTerminalLine)
	if err != nil {
		return fmt.Errorf("delete sms %d: %w", index, err)
	}
	if strings.Contains(response, "ERROR") {
		return fmt.Errorf("delete sms %d: %s", index, strings.TrimSpace(response))
	}
	return nil
}

// ParseSMSList parses an AT+CMGL text-mode response read with the GSM charset.
func ParseSMSList(response string) []SMS {
	var (
		list    []SMS
		current SMS
		body    []string
		open    bool
	)
	flush := func() {
		if open {
			current.Text = strings.Join(body, "\n")
			list = append(list, current)
		}
		body = body[:0]
		open = false
	}

	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "+CMGL:"):
			flush()
			current = parseCMGLHeader(trimmed)
			open = true
		case trimmed == "OK":
			flush()
		case open && !strings.HasPrefix(trimmed, "AT"):
			body = append(body, trimmed)
		}
	}
	flush()
	return list
}

// parseCMGLHeader parses `+CMGL: 1,"REC UNREAD","+260966000777",,"24/10/19,10:00:00+08"`.
func parseCMGLHeader(line string) SMS {
	var sms SMS
	parts := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "+CMGL:")), ",", 5)
	if index, err := strconv.Atoi(strings.Trim(parts[0], " \"")); err == nil {
		sms.Index = index
	}
	if len(parts) > 1 {
		sms.Status = strings.Trim(parts[1], " \"")
	}
	if len(parts) > 2 {
		sms.Sender = strings.Trim(parts[2], " \"")
	}
	if len(parts) > 4 {
		sms.Timestamp = strings.Trim(parts[4], " \"")
	}
	return sms
}
