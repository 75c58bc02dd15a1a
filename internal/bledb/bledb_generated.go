// Code generated by internal/bledb/gen from Nordic Semiconductor's
// bluetooth-numbers-database. A curated static subset is embedded directly
// here (no network access at build time); regenerate with `go generate`
// against a live cache to refresh.
//
// DO NOT EDIT by hand beyond adding entries in the same style.
package bledb

import "strings"

// btBaseUUIDSuffix is the fixed Bluetooth Base UUID suffix shared by every
// 16/32-bit SIG-assigned UUID when expanded to 128 bits.
const btBaseUUIDSuffix = "00001000800000805f9b34fb"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time Service",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1811": "Alert Notification Service",
	"1812": "Human Interface Device",
	"1813": "Scan Parameters",
	"1816": "Cycling Speed and Cadence",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"181e": "Bond Management",
	"181f": "Continuous Glucose Monitoring",
	"fe59": "Nordic DFU Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2a98": "Weight",
	"2a9c": "Body Composition Measurement",
	"2a9f": "User Control Point",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
	"2906": "Valid Range",
	"2907": "External Report Reference",
	"2908": "Report Reference",
}

// appearanceCategories maps the 16-bit GAP Appearance value to a human
// category name, per the Bluetooth SIG assigned-numbers appearance table.
var appearanceCategories = map[uint16]string{
	0:    "Unknown",
	64:   "Phone",
	128:  "Computer",
	192:  "Watch",
	256:  "Clock",
	320:  "Display",
	384:  "Remote Control",
	448:  "Eye-glasses",
	512:  "Tag",
	576:  "Keyring",
	640:  "Media Player",
	704:  "Barcode Scanner",
	768:  "Thermometer",
	832:  "Heart Rate Sensor",
	896:  "Blood Pressure",
	960:  "Human Interface Device",
	1024: "Glucose Meter",
	1088: "Running Walking Sensor",
	1152: "Cycling",
	3136: "Pulse Oximeter",
	3200: "Weight Scale",
}

var vendors = map[uint16]string{
	0x004C: "Apple, Inc.",
	0x0006: "Microsoft",
	0x000F: "Broadcom Corporation",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x00E0: "Google",
	0x0059: "Nordic Semiconductor ASA",
}

// NormalizeUUID converts a UUID string to the internal lookup format:
// lowercase, no dashes, no braces, no "0x" prefix, and 128-bit UUIDs that
// carry the Bluetooth Base UUID suffix are collapsed to their 16-bit short
// form. Custom 128-bit UUIDs are left as a 32-hex-digit string.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(uuid)
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	switch len(u) {
	case 32:
		if strings.HasSuffix(u, btBaseUUIDSuffix) {
			shortForm := strings.TrimLeft(strings.TrimSuffix(u, btBaseUUIDSuffix), "0")
			if shortForm == "" {
				shortForm = "0"
			}
			// Only a 16-bit (4 hex digit) short form collapses cleanly; pad.
			if len(shortForm) <= 4 {
				return strings.Repeat("0", 4-len(shortForm)) + shortForm
			}
		}
		return u
	default:
		return u
	}
}

// NormalizeUUIDs normalizes a slice of UUID strings in place order.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the well-known GATT service name for uuid, or "" if unknown.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the well-known GATT characteristic name for uuid, or "" if unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the well-known GATT descriptor name for uuid, or "" if unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// LookupAppearanceCode returns the GAP Appearance category name for code, or "" if unknown.
func LookupAppearanceCode(code uint16) string {
	return appearanceCategories[code]
}

// LookupVendor returns the Bluetooth SIG / vendor company name for a 16-bit
// company identifier (as carried in AD type 0xFF manufacturer data), or "".
func LookupVendor(companyID uint16) string {
	return vendors[companyID]
}
