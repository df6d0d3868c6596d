package validation

import "strings"

// SplitFullName は氏名を最初の空白で名と姓に分割する。
// 最初のトークンが名、残りすべてが姓になる。
// トークンが1つの場合は姓を空に、空文字列の場合は両方を空にする。
func SplitFullName(fullName string) (first, last string) {
	fields := strings.Fields(fullName)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
