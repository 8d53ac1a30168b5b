package nvmewire

import "testing"

func TestMarshalUnmarshalSQE(t *testing.T) {
	s := BuildReadWrite(7, 1, true, 0x1234, 8, 0xaaaa, 0xbbbb)
	buf := make([]byte, sqeSize)
	MarshalSQE(&s, buf)

	if buf[0] != IOOpWrite {
		t.Errorf("opcode byte = %#x, want %#x", buf[0], IOOpWrite)
	}
	cid := uint16(buf[2])<<0 | uint16(buf[3])<<8
	if cid != 7 {
		t.Errorf("CID = %d, want 7", cid)
	}
}

func TestMarshalSQEBufferTooSmall(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on undersized buffer")
		}
	}()
	s := SQE{}
	MarshalSQE(&s, make([]byte, 4))
}

func TestUnmarshalCQE(t *testing.T) {
	buf := make([]byte, cqeSize)
	buf[14] = 0x01 // phase bit set
	buf[12] = 0x09 // CID low byte
	c := UnmarshalCQE(buf)
	if !c.Phase() {
		t.Errorf("Phase() = false, want true")
	}
	if c.CID != 9 {
		t.Errorf("CID = %d, want 9", c.CID)
	}
	if c.StatusCode() != 0 {
		t.Errorf("StatusCode() = %d, want 0", c.StatusCode())
	}
}

func TestCQEStatusDecoding(t *testing.T) {
	// Status Code Type = 2 (media error), Status Code = 0x81, phase = 1.
	status := uint16(1)
	status |= 0x81 << 1
	status |= 2 << 9
	c := CQE{Status: status}
	if c.StatusCode() != 0x81 {
		t.Errorf("StatusCode() = %#x, want 0x81", c.StatusCode())
	}
	if c.StatusCodeType() != 2 {
		t.Errorf("StatusCodeType() = %d, want 2", c.StatusCodeType())
	}
}

func TestBuildCreateIOCQAndIOSQ(t *testing.T) {
	cq := BuildCreateIOCQ(1, 1, 128, 0x1000, 0, true)
	if cq.CDW0&0xff != AdminOpCreateIOCQ {
		t.Errorf("opcode = %#x, want %#x", cq.CDW0&0xff, AdminOpCreateIOCQ)
	}
	if cq.CDW10&0xffff != 1 {
		t.Errorf("qid = %d, want 1", cq.CDW10&0xffff)
	}
	if (cq.CDW10>>16)&0xffff != 127 {
		t.Errorf("depth-1 = %d, want 127", (cq.CDW10>>16)&0xffff)
	}
	if cq.CDW11&0x1 == 0 {
		t.Errorf("PC bit not set")
	}
	if cq.CDW11&0x2 == 0 {
		t.Errorf("IEN bit not set")
	}

	sq := BuildCreateIOSQ(2, 1, 128, 0x2000, 1, 0)
	if sq.CDW0&0xff != AdminOpCreateIOSQ {
		t.Errorf("opcode = %#x, want %#x", sq.CDW0&0xff, AdminOpCreateIOSQ)
	}
	if (sq.CDW11>>16)&0xffff != 1 {
		t.Errorf("associated CQID = %d, want 1", (sq.CDW11>>16)&0xffff)
	}
}

func TestBuildIdentify(t *testing.T) {
	s := BuildIdentify(3, 0, CNSController, 0x3000)
	if s.CDW10 != CNSController {
		t.Errorf("CDW10 = %d, want CNSController", s.CDW10)
	}
	if s.PRP1 != 0x3000 {
		t.Errorf("PRP1 = %#x, want 0x3000", s.PRP1)
	}
}

func TestParseIdentifyNamespace(t *testing.T) {
	buf := make([]byte, 4096)
	// NSZE = 1<<20 blocks
	buf[0] = 0x00
	buf[1] = 0x00
	buf[2] = 0x10
	// FLBAS selects format 0
	buf[26] = 0x00
	// LBAF[0]: LBADS = 9 (512-byte blocks)
	buf[128+2] = 9

	ns := ParseIdentifyNamespace(buf)
	if got := ns.LogicalBlockSize(); got != 512 {
		t.Errorf("LogicalBlockSize() = %d, want 512", got)
	}
}
