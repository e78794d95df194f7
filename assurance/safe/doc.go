// Package safe provides guarded arithmetic helpers for decimal weight math.
// Division by zero is an error or an explicit fallback, never a panic.
package safe
