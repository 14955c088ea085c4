package serialport

import "testing"

func validSettings() LineSettings {
	return LineSettings{
		Type:        TypeRS232,
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      ParityNone,
		FlowControl: FlowNone,
	}
}

func TestLineSettings_ValidAccepted(t *testing.T) {
	if err := validSettings().Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}

func TestLineSettings_RejectsBadDataBits(t *testing.T) {
	s := validSettings()
	s.DataBits = 9
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of data bits 9")
	}
}

func TestLineSettings_RejectsBadParity(t *testing.T) {
	s := validSettings()
	s.Parity = "rainbow"
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of invalid parity")
	}
}

func TestLineSettings_RS485RequiresProfile(t *testing.T) {
	s := validSettings()
	s.Type = TypeRS485
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of rs485 type without profile")
	}
}

func TestLineSettings_RS232RejectsProfile(t *testing.T) {
	s := validSettings()
	s.RS485 = &RS485Profile{TurnaroundDelayUS: 1}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of rs485 profile on non-rs485 type")
	}
}

func TestLineSettings_RS485ValidatesMultidropRange(t *testing.T) {
	s := validSettings()
	s.Type = TypeRS485
	s.RS485 = &RS485Profile{TurnaroundDelayUS: 1, MultidropAddress: 300}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of out-of-range multidrop address")
	}
}

func TestLineSettings_RS485Accepted(t *testing.T) {
	s := validSettings()
	s.Type = TypeRS485
	s.RS485 = &RS485Profile{TurnaroundDelayUS: 1, MultidropAddress: 5}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid rs485 settings rejected: %v", err)
	}
}
