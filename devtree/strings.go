package devtree

// DecodeStringDescriptor converts a raw GET_DESCRIPTOR(STRING) response
// (bLength, bDescriptorType, then UTF-16LE code units) into a Go string.
// Non-ASCII code units are dropped rather than mis-rendered, matching
// the teacher's readStringDescriptors behavior (host/enumeration.go).
func DecodeStringDescriptor(raw []byte) string {
	if len(raw) < 2 {
		return ""
	}
	length := int(raw[0])
	if length > len(raw) {
		length = len(raw)
	}
	if length < 2 {
		return ""
	}

	out := make([]byte, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		if raw[i+1] == 0 && raw[i] >= 0x20 && raw[i] < 0x7F {
			out = append(out, raw[i])
		}
	}
	return string(out)
}

// NameResolver supplies human-readable vendor/product names for devices
// whose string descriptors are absent or unreadable, falling back to a
// USB ID database (specification §4 supplement: every device gets a
// presentable name even without string descriptor support).
type NameResolver interface {
	VendorName(vendorID uint16) string
	ProductName(vendorID, productID uint16) string
}

var resolver NameResolver = noopResolver{}

type noopResolver struct{}

func (noopResolver) VendorName(uint16) string         { return "" }
func (noopResolver) ProductName(uint16, uint16) string { return "" }

// SetNameResolver installs the fallback name source. Platform wiring
// (see resolver_linux.go) installs a usbid.Database-backed resolver at
// process startup; tests and non-Linux builds keep the no-op default.
func SetNameResolver(r NameResolver) {
	if r == nil {
		r = noopResolver{}
	}
	resolver = r
}

// DisplayName returns the device's cached Product string if one was
// fetched, else the USB-ID-database name for its VendorID/ProductID
// pair, else "" .
func (d *Device) DisplayName() string {
	if name := d.Product(); name != "" {
		return name
	}
	return resolver.ProductName(d.descriptor.VendorID, d.descriptor.ProductID)
}

// VendorDisplayName returns the device's cached Manufacturer string if
// one was fetched, else the USB-ID-database vendor name.
func (d *Device) VendorDisplayName() string {
	if name := d.Manufacturer(); name != "" {
		return name
	}
	return resolver.VendorName(d.descriptor.VendorID)
}
