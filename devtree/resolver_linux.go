//go:build linux

package devtree

import "github.com/ardnew/usbhostcore/pkg/usbid"

// usbidResolver adapts usbid.Database to the NameResolver interface.
type usbidResolver struct {
	db *usbid.Database
}

func (r usbidResolver) VendorName(vendorID uint16) string {
	return r.db.LookupVendor(vendorID)
}

func (r usbidResolver) ProductName(vendorID, productID uint16) string {
	return r.db.LookupProduct(vendorID, productID)
}

// UseSystemUSBIDDatabase loads the system's usb.ids database (usbutils'
// /usr/share/hwdata/usb.ids or equivalent) and installs it as the
// fallback name resolver. Returns false if no database file could be
// found; the resolver is installed regardless since a partially loaded
// database still beats no names at all.
func UseSystemUSBIDDatabase() bool {
	db := usbid.New()
	ok := db.Load()
	SetNameResolver(usbidResolver{db: db})
	return ok
}
