package handler

import "strconv"

const maxFilesPerUpload = 50

func formatUploadLimit(bytes int64) string {
	const mb = 1024 * 1024
	if bytes <= 0 {
		return "0MB"
	}
	value := bytes / mb
	if value <= 0 {
		value = 1
	}
	return strconv.FormatInt(value, 10) + "MB"
}

// multipartOverhead leaves room for boundaries and part headers on top of
// the payload limit.
func multipartOverhead(files int) int64 {
	return int64(files+1) * 4096
}
