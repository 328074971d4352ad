package exportjob

import (
	"strings"
	"time"
)

const fallbackResourceName = "export"

// BuildFilename はダウンロードファイル名を組み立てます。
// 形式: {resourceName}_{groupName_}visits_{YYYY-MM-DD}.csv（日付はUTC）
func BuildFilename(resourceName, groupName string, now time.Time) string {
	name := strings.TrimSpace(resourceName)
	if name == "" {
		name = fallbackResourceName
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString("_")
	if group := strings.TrimSpace(groupName); group != "" {
		b.WriteString(group)
		b.WriteString("_")
	}
	b.WriteString("visits_")
	b.WriteString(now.UTC().Format("2006-01-02"))
	b.WriteString(".csv")
	return b.String()
}
