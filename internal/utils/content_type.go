package utils

import "strings"

// partExtensions is checked in order; the first matching fragment wins.
var partExtensions = []struct {
	fragments []string
	extension string
}{
	{[]string{"message/rfc822"}, "eml"},
	{[]string{"text/plain"}, "txt"},
	{[]string{"html"}, "html"},
	{[]string{"calendar", "ics"}, "ics"},
	{[]string{"vcard", "vcf"}, "vcf"},
	{[]string{"jpeg", "jpg"}, "jpg"},
	{[]string{"png"}, "png"},
	{[]string{"gif"}, "gif"},
	{[]string{"svg"}, "svg"},
	{[]string{"webp"}, "webp"},
	{[]string{"pdf"}, "pdf"},
	{[]string{"word", "msword"}, "docx"},
	{[]string{"excel", "spreadsheet"}, "xlsx"},
	{[]string{"powerpoint", "presentation"}, "pptx"},
	{[]string{"zip", "compressed"}, "zip"},
	{[]string{"csv"}, "csv"},
	{[]string{"json"}, "json"},
	{[]string{"xml"}, "xml"},
	{[]string{"audio"}, "audio"},
	{[]string{"video"}, "video"},
}

// GetFileExtensionFromContentType maps a MIME type onto the extension used for
// staged part keys.
func GetFileExtensionFromContentType(contentType string) string {
	contentType = strings.ToLower(contentType)
	for _, candidate := range partExtensions {
		for _, fragment := range candidate.fragments {
			if strings.Contains(contentType, fragment) {
				return candidate.extension
			}
		}
	}
	return "bin"
}
