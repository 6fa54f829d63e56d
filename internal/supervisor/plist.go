package supervisor

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// renderPlist produces the launchd property list for a unit. KeepAlive is
// crash-only: launchd restarts the job when it dies abnormally but leaves
// deliberate exits alone.
func renderPlist(u Unit) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString("<plist version=\"1.0\">\n<dict>\n")

	writeKey(&b, "Label")
	writeString(&b, u.Label)

	writeKey(&b, "ProgramArguments")
	b.WriteString("\t<array>\n")
	for _, arg := range u.Args {
		b.WriteString("\t\t<string>")
		xmlEscape(&b, arg)
		b.WriteString("</string>\n")
	}
	b.WriteString("\t</array>\n")

	if u.WorkingDir != "" {
		writeKey(&b, "WorkingDirectory")
		writeString(&b, u.WorkingDir)
	}
	if u.StdoutPath != "" {
		writeKey(&b, "StandardOutPath")
		writeString(&b, u.StdoutPath)
	}
	if u.StderrPath != "" {
		writeKey(&b, "StandardErrorPath")
		writeString(&b, u.StderrPath)
	}

	writeKey(&b, "KeepAlive")
	b.WriteString("\t<dict>\n")
	b.WriteString("\t\t<key>Crashed</key>\n\t\t<true/>\n")
	b.WriteString("\t\t<key>SuccessfulExit</key>\n\t\t<false/>\n")
	b.WriteString("\t</dict>\n")

	writeKey(&b, "ThrottleInterval")
	fmt.Fprintf(&b, "\t<integer>%d</integer>\n", ThrottleInterval)

	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func writeKey(b *strings.Builder, key string) {
	b.WriteString("\t<key>")
	b.WriteString(key)
	b.WriteString("</key>\n")
}

func writeString(b *strings.Builder, val string) {
	b.WriteString("\t<string>")
	xmlEscape(b, val)
	b.WriteString("</string>\n")
}

func xmlEscape(b *strings.Builder, s string) {
	// xml.EscapeText cannot fail on a strings.Builder
	_ = xml.EscapeText(b, []byte(s))
}
