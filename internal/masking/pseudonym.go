package masking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/medtext/deid/internal/entity"
)

// Surrogate name pools. Drawn from reserved-safe dummy data; surrogates
// must look plausible without resembling any real subject.
var (
	surrogateFirstNames = []string{
		"jane", "john", "alex", "sam", "taylor", "casey", "jordan", "riley",
		"wei", "mei", "hiroshi", "yuki", "raj", "priya", "amara", "kofi",
		"yusuf", "fatima", "carlos", "maria", "dmitri", "anna", "ivan", "elena",
	}
	surrogateSurnames = []string{
		"doe", "smith", "johnson", "brown", "davis", "wilson", "moore",
		"chen", "wang", "kim", "nguyen", "tanaka", "patel", "singh",
		"garcia", "rodriguez", "lopez", "ivanov", "petrov", "novak",
		"murphy", "kelly", "sullivan", "mensah",
	}
)

// pseudonymize derives a deterministic surrogate from an HMAC of the
// matched text and type under the job salt. The same original value maps
// to the same surrogate within a job; a different salt produces an
// unrelated surrogate.
func pseudonymize(e entity.DetectedEntity, _ entity.StrategyParams, keys JobKeys) (string, error) {
	sum := surrogateDigest(keys.Salt, e.Type, e.Text)

	switch e.Type {
	case entity.TypeName:
		first := surrogateFirstNames[int(sum[0])%len(surrogateFirstNames)]
		last := surrogateSurnames[int(sum[1])%len(surrogateSurnames)]
		return capitalize(first) + " " + capitalize(last), nil
	case entity.TypeEmail:
		first := surrogateFirstNames[int(sum[0])%len(surrogateFirstNames)]
		last := surrogateSurnames[int(sum[1])%len(surrogateSurnames)]
		return fmt.Sprintf("%s.%s@example.org", first, last), nil
	case entity.TypePhone:
		d := digitsFromDigest(sum, 8)
		return fmt.Sprintf("09%s-%s-%s", d[:2], d[2:5], d[5:8]), nil
	case entity.TypeMedicalRecordNumber:
		return "MRN-" + digitsFromDigest(sum, 8), nil
	case entity.TypeIDNumber:
		return "ID-" + digitsFromDigest(sum, 9), nil
	case entity.TypeAccount:
		return "ACCT-" + digitsFromDigest(sum, 10), nil
	case entity.TypeDeviceID:
		return "DEV-" + strings.ToUpper(hex.EncodeToString(sum[:4])), nil
	default:
		tag := strings.ToUpper(strings.ReplaceAll(string(e.Type), "_", "-"))
		return fmt.Sprintf("[%s-%s]", tag, hex.EncodeToString(sum[:4])), nil
	}
}

// surrogateDigest computes HMAC-SHA256(salt, type|text).
func surrogateDigest(salt string, t entity.SensitiveType, text string) []byte {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(t))
	mac.Write([]byte{'|'})
	mac.Write([]byte(text))
	return mac.Sum(nil)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// digitsFromDigest maps digest bytes onto a fixed-length decimal string.
func digitsFromDigest(sum []byte, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte('0' + sum[i%len(sum)]%10)
	}
	return b.String()
}
