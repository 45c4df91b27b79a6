package utils

func Contains[T comparable](arr []T, item T) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}

	return false
}

func Remove[T comparable](arr []T, item T) []T {
	result := []T{}

	for _, i := range arr {
		if i != item {
			result = append(result, i)
		}
	}

	return result
}

// Dedupe drops repeated items keeping the first occurrence of each.
func Dedupe[T comparable](arr []T) []T {
	seen := make(map[T]struct{}, len(arr))
	result := make([]T, 0, len(arr))

	for _, i := range arr {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		result = append(result, i)
	}

	return result
}

// Rotate returns a copy of arr starting at index n modulo its length.
func Rotate[T any](arr []T, n int) []T {
	if len(arr) == 0 {
		return []T{}
	}

	start := n % len(arr)
	if start < 0 {
		start += len(arr)
	}

	result := make([]T, 0, len(arr))
	result = append(result, arr[start:]...)
	return append(result, arr[:start]...)
}
