package importer

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

func init() {

	// reportFile picks the uploaded file to import from a task's
	// uploaded_files: the Nessus .xml export, falling back to .csv.
	gjson.AddModifier("reportFile", func(json, arg string) string {
		res := gjson.Parse(json)
		if !res.IsArray() {
			return ""
		}
		for _, ext := range []string{".xml", ".csv"} {
			for _, v := range res.Array() {
				if strings.HasSuffix(v.String(), ext) {
					return jsonString(strings.Trim(v.String(), "/"))
				}
			}
		}
		return ""
	})

	// ext returns the file extension of a path without the dot.
	gjson.AddModifier("ext", func(json, arg string) string {
		s := gjson.Parse(json).String()
		i := strings.LastIndex(s, ".")
		if i < 0 {
			return ""
		}
		return jsonString(s[i+1:])
	})

}

// jsonString encodes s as a JSON string for modifier results.
func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}
