package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/dbthost/internal/eir"
)

// ATT opcodes this engine speaks.
const (
	opErrorRsp               byte = 0x01
	opExchangeMTUReq         byte = 0x02
	opExchangeMTURsp         byte = 0x03
	opFindInformationReq     byte = 0x04
	opFindInformationRsp     byte = 0x05
	opReadByTypeReq          byte = 0x08
	opReadByTypeRsp          byte = 0x09
	opReadReq                byte = 0x0A
	opReadRsp                byte = 0x0B
	opReadBlobReq            byte = 0x0C
	opReadBlobRsp            byte = 0x0D
	opReadByGroupTypeReq     byte = 0x10
	opReadByGroupTypeRsp     byte = 0x11
	opWriteReq               byte = 0x12
	opWriteRsp               byte = 0x13
	opPrepareWriteReq        byte = 0x16
	opPrepareWriteRsp        byte = 0x17
	opExecuteWriteReq        byte = 0x18
	opExecuteWriteRsp        byte = 0x19
	opHandleValueNotification byte = 0x1B
	opHandleValueIndication   byte = 0x1D
	opHandleValueConfirmation byte = 0x1E
	opWriteCmd               byte = 0x52
)

const gattPrimaryServiceGroupType uint16 = 0x2800
const gattCharacteristicType uint16 = 0x2803

// findInfoFormat tags the uniform-length entry format of a
// FIND_INFORMATION_RSP.
const (
	findInfoFormat16 byte = 0x01
	findInfoFormat128 byte = 0x02
)

func isErrorRsp(pdu []byte) bool { return len(pdu) > 0 && pdu[0] == opErrorRsp }

func decodeErrorRsp(pdu []byte) (*AttError, error) {
	if len(pdu) < 5 {
		return nil, fmt.Errorf("gatt: short ERROR_RSP")
	}
	return &AttError{Code: pdu[4], Handle: binary.LittleEndian.Uint16(pdu[2:4])}, nil
}

// serviceGroupEntry is one entry of a READ_BY_GROUP_TYPE_RSP.
type serviceGroupEntry struct {
	startHandle uint16
	endHandle   uint16
	uuid        eir.UUID
}

// decodeReadByGroupTypeRsp splits a READ_BY_GROUP_TYPE_RSP body into its
// uniform-length entries. attrDataLen is pdu[1] (4 for UUID16, 18 for UUID128).
func decodeReadByGroupTypeRsp(pdu []byte) ([]serviceGroupEntry, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("gatt: short READ_BY_GROUP_TYPE_RSP")
	}
	entryLen := int(pdu[1])
	if entryLen < 4 {
		return nil, fmt.Errorf("gatt: invalid READ_BY_GROUP_TYPE_RSP entry length %d", entryLen)
	}
	body := pdu[2:]
	if len(body)%entryLen != 0 {
		return nil, fmt.Errorf("gatt: READ_BY_GROUP_TYPE_RSP body not a multiple of entry length")
	}

	var out []serviceGroupEntry
	uuidLen := entryLen - 4
	for off := 0; off < len(body); off += entryLen {
		start := binary.LittleEndian.Uint16(body[off : off+2])
		end := binary.LittleEndian.Uint16(body[off+2 : off+4])
		var u eir.UUID
		if uuidLen == 2 {
			u = eir.NewUUID16(binary.LittleEndian.Uint16(body[off+4 : off+6]))
		} else {
			u = eir.UUID128FromLE(body[off+4 : off+4+16])
		}
		out = append(out, serviceGroupEntry{startHandle: start, endHandle: end, uuid: u})
	}
	return out, nil
}

// characteristicEntry is one entry of a READ_BY_TYPE_RSP against the
// characteristic declaration type (0x2803).
type characteristicEntry struct {
	declarationHandle uint16
	properties        Properties
	valueHandle       uint16
	valueType         eir.UUID
}

func decodeReadByTypeRsp(pdu []byte) ([]characteristicEntry, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("gatt: short READ_BY_TYPE_RSP")
	}
	entryLen := int(pdu[1])
	if entryLen < 5 {
		return nil, fmt.Errorf("gatt: invalid READ_BY_TYPE_RSP entry length %d", entryLen)
	}
	body := pdu[2:]
	if len(body)%entryLen != 0 {
		return nil, fmt.Errorf("gatt: READ_BY_TYPE_RSP body not a multiple of entry length")
	}

	uuidLen := entryLen - 5
	var out []characteristicEntry
	for off := 0; off < len(body); off += entryLen {
		declHandle := binary.LittleEndian.Uint16(body[off : off+2])
		props := Properties(body[off+2])
		valueHandle := binary.LittleEndian.Uint16(body[off+3 : off+5])
		var u eir.UUID
		if uuidLen == 2 {
			u = eir.NewUUID16(binary.LittleEndian.Uint16(body[off+5 : off+7]))
		} else {
			u = eir.UUID128FromLE(body[off+5 : off+5+16])
		}
		out = append(out, characteristicEntry{declarationHandle: declHandle, properties: props, valueHandle: valueHandle, valueType: u})
	}
	return out, nil
}

// descriptorEntry is one entry of a FIND_INFORMATION_RSP.
type descriptorEntry struct {
	handle uint16
	uuid   eir.UUID
}

func decodeFindInformationRsp(pdu []byte) ([]descriptorEntry, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("gatt: short FIND_INFORMATION_RSP")
	}
	format := pdu[1]
	var entryLen int
	switch format {
	case findInfoFormat16:
		entryLen = 4
	case findInfoFormat128:
		entryLen = 18
	default:
		return nil, fmt.Errorf("gatt: unknown FIND_INFORMATION_RSP format 0x%02x", format)
	}

	body := pdu[2:]
	if len(body)%entryLen != 0 {
		return nil, fmt.Errorf("gatt: FIND_INFORMATION_RSP body not a multiple of entry length")
	}

	var out []descriptorEntry
	for off := 0; off < len(body); off += entryLen {
		handle := binary.LittleEndian.Uint16(body[off : off+2])
		var u eir.UUID
		if format == findInfoFormat16 {
			u = eir.NewUUID16(binary.LittleEndian.Uint16(body[off+2 : off+4]))
		} else {
			u = eir.UUID128FromLE(body[off+2 : off+2+16])
		}
		out = append(out, descriptorEntry{handle: handle, uuid: u})
	}
	return out, nil
}
