package operator

// IfElse is the ternary operator.
func IfElse[T any](cond bool, condTrue T, condFalse T) T {
	if cond {
		return condTrue
	}
	return condFalse
}
