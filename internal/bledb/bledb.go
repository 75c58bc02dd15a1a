//go:generate go run ./gen
package bledb

// This file exists to declare the package and trigger the generator.
// All the generated data and lookup API (LookupService, LookupCharacteristic,
// LookupDescriptor, LookupAppearanceCode, LookupVendor) live in
// bledb_generated.go.
