package eir

import "encoding/binary"

// AD/EIR type bytes (Bluetooth assigned numbers).
const (
	typeFlags               = 0x01
	typeUUID16Incomplete     = 0x02
	typeUUID16Complete       = 0x03
	typeUUID32Incomplete     = 0x04
	typeUUID32Complete       = 0x05
	typeUUID128Incomplete    = 0x06
	typeUUID128Complete      = 0x07
	typeNameShort            = 0x08
	typeNameComplete         = 0x09
	typeTxPower              = 0x0A
	typeDeviceClass          = 0x0D
	typeHashC192             = 0x0E
	typeRandomizerR192       = 0x0F
	typeDeviceID             = 0x10
	typeSvcDataUUID16        = 0x16
	typeAppearance           = 0x19
	typeManufacturer         = 0xFF
)

// DecodeRecords parses a single AD/EIR byte slice, which may contain
// multiple `(len)(type)(data)` entries, into one EIRReport. A length-0 entry
// terminates decoding early (and is not an error). Malformed length fields
// for a given entry stop decoding for the *remaining* bytes of this record
// but never make the call itself fail -- whatever was parsed so far is
// returned.
func DecodeRecords(data []byte, source Source) *EIRReport {
	r := &EIRReport{Source: source}
	decodeInto(r, data)
	return r
}

// DecodeRecordsWithAddress is DecodeRecords plus the peer address, which
// arrives out-of-band (from the MGMT DEVICE_FOUND/CONNECTED event or the
// HCI advertising report header) rather than inside the AD/EIR payload
// itself.
func DecodeRecordsWithAddress(data []byte, source Source, addr Address48) *EIRReport {
	r := DecodeRecords(data, source)
	r.setAddress(addr)
	return r
}

func decodeInto(r *EIRReport, data []byte) {
	for i := 0; i < len(data); {
		length := int(data[i])
		if length == 0 {
			return
		}
		if i+1+length > len(data) {
			// Truncated entry: not enough bytes remain. Stop, keep what we have.
			return
		}
		typ := data[i+1]
		payload := data[i+2 : i+1+length]
		applyField(r, typ, payload)
		i += 1 + length
	}
}

func applyField(r *EIRReport, typ byte, payload []byte) {
	switch typ {
	case typeFlags:
		if len(payload) < 1 {
			return
		}
		r.Flags = payload[0]
		r.hasFlags = true
		r.Mask |= MaskFlags

	case typeUUID16Incomplete, typeUUID16Complete:
		for off := 0; off+2 <= len(payload); off += 2 {
			v := binary.LittleEndian.Uint16(payload[off : off+2])
			r.Services = append(r.Services, NewUUID16(v))
		}
		if len(payload) >= 2 {
			r.hasServices = true
			r.Mask |= MaskServices
		}

	case typeUUID32Incomplete, typeUUID32Complete:
		for off := 0; off+4 <= len(payload); off += 4 {
			v := binary.LittleEndian.Uint32(payload[off : off+4])
			r.Services = append(r.Services, NewUUID32(v))
		}
		if len(payload) >= 4 {
			r.hasServices = true
			r.Mask |= MaskServices
		}

	case typeUUID128Incomplete, typeUUID128Complete:
		for off := 0; off+16 <= len(payload); off += 16 {
			r.Services = append(r.Services, UUID128FromLE(payload[off:off+16]))
		}
		if len(payload) >= 16 {
			r.hasServices = true
			r.Mask |= MaskServices
		}

	case typeNameShort:
		r.NameShort = string(payload)
		r.hasShortName = true
		r.Mask |= MaskShortName

	case typeNameComplete:
		r.NameComplete = string(payload)
		r.hasName = true
		r.Mask |= MaskName

	case typeTxPower:
		if len(payload) < 1 {
			return
		}
		r.TxPower = int8(payload[0])
		r.hasTxPower = true
		r.Mask |= MaskTxPower

	case typeDeviceClass:
		if len(payload) < 3 {
			return
		}
		r.DeviceClass = uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16
		r.hasDeviceClass = true
		r.Mask |= MaskDeviceClass

	case typeHashC192:
		if len(payload) < 16 {
			return
		}
		copy(r.SSPHashC192[:], payload[:16])
		r.hasSSP = true
		r.Mask |= MaskSSP

	case typeRandomizerR192:
		if len(payload) < 16 {
			return
		}
		copy(r.SSPRandomizerR192[:], payload[:16])
		r.hasSSP = true
		r.Mask |= MaskSSP

	case typeDeviceID:
		if len(payload) < 8 {
			return
		}
		r.DevID = DeviceID{
			VendorIDSource: binary.LittleEndian.Uint16(payload[0:2]),
			VendorID:       binary.LittleEndian.Uint16(payload[2:4]),
			ProductID:      binary.LittleEndian.Uint16(payload[4:6]),
			Version:        binary.LittleEndian.Uint16(payload[6:8]),
		}
		r.hasDevID = true
		r.Mask |= MaskDeviceID

	case typeAppearance:
		if len(payload) < 2 {
			return
		}
		r.Appearance = binary.LittleEndian.Uint16(payload[:2])
		r.hasAppearance = true
		r.Mask |= MaskAppearance

	case typeSvcDataUUID16:
		if len(payload) < 2 {
			return
		}
		r.Services = append(r.Services, NewUUID16(binary.LittleEndian.Uint16(payload[:2])))
		r.hasServices = true
		r.Mask |= MaskServices

	case typeManufacturer:
		if len(payload) < 2 {
			return
		}
		r.Manufacturer = ManufacturerData{
			CompanyID: binary.LittleEndian.Uint16(payload[:2]),
			Data:      append([]byte(nil), payload[2:]...),
		}
		r.hasManufacturer = true
		r.Mask |= MaskManufacturer

	default:
		// Unknown/unsupported AD type: skip, not fatal.
	}
}
