package services

import (
	"strconv"
	"strings"
)

// NormalizeTimeOfDay は "9:05", "09:05", "905", "0905", "9" を "0905" 形式に正規化する
func NormalizeTimeOfDay(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", &ValidationError{Field: "time", Message: "time of day is empty"}
	}

	var hourStr, minStr string
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 2 || parts[0] == "" || len(parts[1]) != 2 {
			return "", &ValidationError{Field: "time", Message: "invalid time format: " + input}
		}
		hourStr, minStr = parts[0], parts[1]
	} else {
		switch len(s) {
		case 1, 2:
			hourStr, minStr = s, "00"
		case 3:
			hourStr, minStr = s[:1], s[1:]
		case 4:
			hourStr, minStr = s[:2], s[2:]
		default:
			return "", &ValidationError{Field: "time", Message: "invalid time format: " + input}
		}
	}

	if !isDigits(hourStr) || !isDigits(minStr) || len(hourStr) > 2 {
		return "", &ValidationError{Field: "time", Message: "time must be numeric: " + input}
	}

	hour, _ := strconv.Atoi(hourStr)
	minute, _ := strconv.Atoi(minStr)
	if hour > 23 || minute > 59 {
		return "", &ValidationError{Field: "time", Message: "time out of range 00:00-23:59: " + input}
	}

	return pad2(hour) + pad2(minute), nil
}

// FormatTimeOfDay は "HHMM" を表示用の "HH:MM" にする
func FormatTimeOfDay(hhmm string) string {
	if len(hhmm) != 4 {
		return hhmm
	}
	return hhmm[:2] + ":" + hhmm[2:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
