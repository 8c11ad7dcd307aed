package stores

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
