package utils

func ToStringPtr(s string) *string {
	return &s
}

func ToInt64Ptr(i int64) *int64 {
	return &i
}

func ToFloat64Ptr(f float64) *float64 {
	return &f
}

func ToBoolPtr(b bool) *bool {
	return &b
}
