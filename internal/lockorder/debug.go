//go:build lockdebug

package lockorder

// Enabled reports whether lock order checking is compiled in.
const Enabled = true
