//+build !linux

package port

// LoadDriver does nothing where kernel modules don't apply.
func LoadDriver() {}
