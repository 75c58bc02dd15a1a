// Package gatt implements the ATT/GATT client engine: primary-service and
// characteristic/descriptor discovery, read/write, and notification and
// indication dispatch, over an already-open l2cap.Channel.
package gatt

import (
	"github.com/srg/dbthost/internal/bledb"
	"github.com/srg/dbthost/internal/eir"
)

// Properties is the characteristic properties bitmask carried in a
// characteristic declaration (ATT spec 3.3.1.1).
type Properties uint8

const (
	PropBroadcast                Properties = 1 << iota // 0x01
	PropRead                                             // 0x02
	PropWriteWithoutResponse                             // 0x04
	PropWrite                                            // 0x08
	PropNotify                                            // 0x10
	PropIndicate                                          // 0x20
	PropAuthenticatedSignedWrite                          // 0x40
	PropExtendedProperties                                // 0x80
)

func (p Properties) Has(bit Properties) bool { return p&bit != 0 }

// Well-known descriptor UUIDs this stack resolves directly.
const (
	uuidCCCD           = 0x2902
	uuidUserDescription = 0x2901
)

// Well-known Generic Access Profile UUIDs used by the post-discovery GAP read.
const (
	uuidGenericAccessService = 0x1800
	uuidDeviceNameChar       = 0x2A00
	uuidAppearanceChar       = 0x2A01
)

// Descriptor is one GATT descriptor: handle, type, and current raw value.
type Descriptor struct {
	Handle uint16
	Type   eir.UUID
	Value  []byte
}

// KnownName returns the SIG-assigned human name for this descriptor's type,
// or "" if unknown.
func (d *Descriptor) KnownName() string { return bledb.LookupDescriptor(d.Type.String()) }

// CCCDValue decodes a 2-byte little-endian CCCD value into its notify and
// indicate bits.
func CCCDValue(raw []byte) (notify, indicate bool) {
	if len(raw) < 2 {
		return false, false
	}
	v := uint16(raw[0]) | uint16(raw[1])<<8
	return v&0x01 != 0, v&0x02 != 0
}

// EncodeCCCD encodes the notify/indicate bits as a 2-byte little-endian
// value, per spec: (indicate<<1) | notify.
func EncodeCCCD(notify, indicate bool) []byte {
	var v uint16
	if notify {
		v |= 0x01
	}
	if indicate {
		v |= 0x02
	}
	return []byte{byte(v), byte(v >> 8)}
}

// Characteristic is one GATT characteristic: its declaration, value, and
// end handles, properties, value type, and descriptors.
type Characteristic struct {
	DeclarationHandle uint16
	ValueHandle       uint16
	EndHandle         uint16
	Properties        Properties
	ValueType         eir.UUID
	Descriptors       []*Descriptor
}

// KnownName returns the SIG-assigned human name for this characteristic's
// value type, or "" if unknown.
func (c *Characteristic) KnownName() string { return bledb.LookupCharacteristic(c.ValueType.String()) }

// CCCD returns the Client-Characteristic-Configuration descriptor, or nil
// if this characteristic doesn't have one.
func (c *Characteristic) CCCD() *Descriptor { return c.findDescriptor(uuidCCCD) }

// UserDescription returns the User-Description descriptor, or nil.
func (c *Characteristic) UserDescription() *Descriptor { return c.findDescriptor(uuidUserDescription) }

func (c *Characteristic) findDescriptor(shortUUID uint16) *Descriptor {
	want := eir.NewUUID16(shortUUID)
	for _, d := range c.Descriptors {
		if d.Type.Equal(want) {
			return d
		}
	}
	return nil
}

// Service is one GATT primary service: its handle range, type, and ordered
// characteristics.
type Service struct {
	StartHandle     uint16
	EndHandle       uint16
	Type            eir.UUID
	Characteristics []*Characteristic
}

// KnownName returns the SIG-assigned human name for this service's type, or "".
func (s *Service) KnownName() string { return bledb.LookupService(s.Type.String()) }

// IsGenericAccess reports whether this is the 0x1800 Generic Access service.
func (s *Service) IsGenericAccess() bool { return s.Type.Equal(eir.NewUUID16(uuidGenericAccessService)) }
