// Package eir decodes Extended Inquiry Response / LE Advertising Data blocks
// into typed reports.
package eir

import (
	"fmt"
	"strings"
)

// AddressType identifies the kind of a 48-bit Bluetooth address.
type AddressType int

const (
	AddressUndefined AddressType = iota
	AddressPublic
	AddressLEPublic
	AddressLERandom
)

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "PUBLIC"
	case AddressLEPublic:
		return "LE_PUBLIC"
	case AddressLERandom:
		return "LE_RANDOM"
	default:
		return "UNDEFINED"
	}
}

// RandomSubType further classifies an AddressLERandom address by its top two bits.
type RandomSubType int

const (
	RandomUndefined RandomSubType = iota
	RandomStaticPublic
	RandomResolvablePrivate
	RandomUnresolvablePrivate
)

func (t RandomSubType) String() string {
	switch t {
	case RandomStaticPublic:
		return "STATIC_PUBLIC"
	case RandomResolvablePrivate:
		return "RESOLVABLE_PRIVATE"
	case RandomUnresolvablePrivate:
		return "UNRESOLVABLE_PRIVATE"
	default:
		return "UNDEFINED"
	}
}

// Address48 is a 48-bit device address plus its type tags.
type Address48 struct {
	// Bytes holds the address in little-endian wire order, as delivered by HCI/MGMT.
	Bytes      [6]byte
	Type       AddressType
	RandomSub  RandomSubType // only meaningful when Type == AddressLERandom
}

// DeriveRandomSubType classifies a random address from its top two bits
// (the most significant bits of Bytes[5]) per Vol 6, Part B §1.3.2.
func DeriveRandomSubType(addr [6]byte) RandomSubType {
	top := addr[5] >> 6
	switch top {
	case 0b11:
		return RandomStaticPublic
	case 0b01:
		return RandomResolvablePrivate
	case 0b00:
		return RandomUnresolvablePrivate
	default:
		return RandomUndefined
	}
}

// NewAddress48 builds an Address48, deriving the random sub-type when Type is AddressLERandom.
func NewAddress48(bytes [6]byte, t AddressType) Address48 {
	a := Address48{Bytes: bytes, Type: t}
	if t == AddressLERandom {
		a.RandomSub = DeriveRandomSubType(bytes)
	}
	return a
}

// String renders the address in the conventional colon-hex form, MSB first.
func (a Address48) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.Bytes[5], a.Bytes[4], a.Bytes[3], a.Bytes[2], a.Bytes[1], a.Bytes[0])
}

// Equal reports whether two addresses carry the same bytes and type.
func (a Address48) Equal(b Address48) bool {
	return a.Bytes == b.Bytes && a.Type == b.Type
}

// Source identifies which wire framing a report was decoded from.
type Source int

const (
	SourceNA Source = iota
	SourceAD
	SourceEIR
)

// ManufacturerData is a company-id-tagged opaque payload from AD type 0xFF.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// DataSetMask bits record which EIRReport fields were actually populated during decode.
type DataSetMask uint32

const (
	MaskFlags DataSetMask = 1 << iota
	MaskName
	MaskShortName
	MaskRSSI
	MaskTxPower
	MaskManufacturer
	MaskServices
	MaskDeviceClass
	MaskAppearance
	MaskSSP
	MaskDeviceID
	MaskAddress
	MaskEventType
)

func (m DataSetMask) Has(bit DataSetMask) bool { return m&bit != 0 }

// DeviceID is the SIG "Device ID" AD payload: vendor-id-source, vendor-id, product-id, version.
type DeviceID struct {
	VendorIDSource uint16
	VendorID       uint16
	ProductID      uint16
	Version        uint16
}

// EIRReport is one decoded advertising/EIR record. Immutable once constructed.
type EIRReport struct {
	Source    Source
	TsMs      int64 // arrival timestamp, ms since process start
	EventType uint8

	Address     Address48
	hasAddress  bool

	Flags      uint8
	hasFlags   bool

	NameComplete string
	hasName      bool
	NameShort    string
	hasShortName bool

	RSSI    int8
	hasRSSI bool

	TxPower    int8
	hasTxPower bool

	Manufacturer    ManufacturerData
	hasManufacturer bool

	Services    []UUID
	hasServices bool

	DeviceClass    uint32
	hasDeviceClass bool

	Appearance    uint16
	hasAppearance bool

	SSPHashC192        [16]byte
	SSPRandomizerR192  [16]byte
	hasSSP             bool

	DevID    DeviceID
	hasDevID bool

	Mask DataSetMask
}

func (r *EIRReport) setAddress(a Address48) {
	r.Address, r.hasAddress = a, true
	r.Mask |= MaskAddress
}

// MergeOutOfBandRSSI sets the report's RSSI from a value carried outside the
// AD/EIR payload itself (the MGMT DEVICE_FOUND event's own rssi field), but
// only if the record didn't already carry one.
func (r *EIRReport) MergeOutOfBandRSSI(rssi int8) {
	if r.hasRSSI {
		return
	}
	r.RSSI, r.hasRSSI = rssi, true
	r.Mask |= MaskRSSI
}

// HasAddress reports whether an address was present in the decoded record.
func (r *EIRReport) HasAddress() bool { return r.hasAddress }

// HasFlags reports whether AD type 0x01 was present.
func (r *EIRReport) HasFlags() bool { return r.hasFlags }

// HasName reports whether a complete or short local name was present.
func (r *EIRReport) HasName() bool { return r.hasName || r.hasShortName }

// Name returns the best available name, preferring the complete name over the
// shortened form when both are present (matches the original decoder's
// merge precedence).
func (r *EIRReport) Name() string {
	if r.hasName {
		return r.NameComplete
	}
	return r.NameShort
}

// HasRSSI reports whether an RSSI sample was present.
func (r *EIRReport) HasRSSI() bool { return r.hasRSSI }

// HasTxPower reports whether a TX power level was present.
func (r *EIRReport) HasTxPower() bool { return r.hasTxPower }

// HasManufacturer reports whether manufacturer-specific data was present.
func (r *EIRReport) HasManufacturer() bool { return r.hasManufacturer }

// HasServices reports whether any advertised service UUIDs were present.
func (r *EIRReport) HasServices() bool { return r.hasServices }

// HasAppearance reports whether the GAP Appearance field was present.
func (r *EIRReport) HasAppearance() bool { return r.hasAppearance }

// HasDeviceClass reports whether a BR/EDR device class was present.
func (r *EIRReport) HasDeviceClass() bool { return r.hasDeviceClass }

// String gives a short human summary, useful in logs.
func (r *EIRReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "EIRReport{")
	if r.hasAddress {
		fmt.Fprintf(&b, "addr=%s(%s) ", r.Address, r.Address.Type)
	}
	if r.HasName() {
		fmt.Fprintf(&b, "name=%q ", r.Name())
	}
	if r.hasRSSI {
		fmt.Fprintf(&b, "rssi=%d ", r.RSSI)
	}
	fmt.Fprintf(&b, "mask=%#x}", uint32(r.Mask))
	return b.String()
}
