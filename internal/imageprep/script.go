package imageprep

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// upload is one staged host file destined for a guest path.
type upload struct {
	HostPath  string
	GuestPath string
	Append    bool
	Mode      os.FileMode
}

// buildInjectScript renders the guestfish command script that mounts
// the offline disk and places each staged file. The script is built
// from typed fields only; no campaign-controlled text is ever spliced
// into a command line. Appending goes through a staging path inside the
// guest because guestfish upload always replaces.
func buildInjectScript(diskPath string, uploads []upload) string {
	var b strings.Builder

	fmt.Fprintf(&b, "add %s readonly:false\n", quoteArg(diskPath))
	b.WriteString("run\n")
	b.WriteString("mount /dev/sda1 /\n")

	for _, u := range uploads {
		fmt.Fprintf(&b, "mkdir-p %s\n", quoteArg(path.Dir(u.GuestPath)))

		if u.Append {
			staging := u.GuestPath + ".bivouac-staged"
			fmt.Fprintf(&b, "upload %s %s\n", quoteArg(u.HostPath), quoteArg(staging))
			fmt.Fprintf(&b, "sh %s\n", quoteArg(fmt.Sprintf("cat %s >> %s", shellQuote(staging), shellQuote(u.GuestPath))))
			fmt.Fprintf(&b, "rm %s\n", quoteArg(staging))
		} else {
			fmt.Fprintf(&b, "upload %s %s\n", quoteArg(u.HostPath), quoteArg(u.GuestPath))
		}

		if u.Mode != 0 {
			fmt.Fprintf(&b, "chmod 0%o %s\n", u.Mode.Perm(), quoteArg(u.GuestPath))
		}
	}

	b.WriteString("umount-all\n")
	b.WriteString("quit\n")

	return b.String()
}

// quoteArg quotes a guestfish argument. guestfish uses double quotes
// with backslash escapes for arguments containing whitespace.
func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\\'") {
		return s
	}
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// shellQuote single-quotes a path for the appliance shell invoked by
// the guestfish sh command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
