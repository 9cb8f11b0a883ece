package tlsconf

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
)

// Cipher is a TLS cipher suite identified canonically by its IANA code.
//
// A Cipher converts to either naming ecosystem: IANA/JSSE style
// ("TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256") or OpenSSL style
// ("ECDHE-RSA-AES128-GCM-SHA256"). Codes missing from the table are kept as
// opaque identifiers and render as hex.
type Cipher uint16

type cipherInfo struct {
	iana     string
	openssl  string
	kx       string // RSA, ECDHE, DHE, ANY (TLS 1.3), SCSV
	auth     string // RSA, ECDSA, ANY, NULL
	enc      string // AESGCM, AES, CHACHA20, AESCCM, 3DES, RC4, NULL
	strength string // HIGH, MEDIUM, LOW, NONE
	tls13    bool
}

var cipherTable = map[Cipher]cipherInfo{
	0x1301: {"TLS_AES_128_GCM_SHA256", "TLS_AES_128_GCM_SHA256", "ANY", "ANY", "AESGCM", "HIGH", true},
	0x1302: {"TLS_AES_256_GCM_SHA384", "TLS_AES_256_GCM_SHA384", "ANY", "ANY", "AESGCM", "HIGH", true},
	0x1303: {"TLS_CHACHA20_POLY1305_SHA256", "TLS_CHACHA20_POLY1305_SHA256", "ANY", "ANY", "CHACHA20", "HIGH", true},
	0x1304: {"TLS_AES_128_CCM_SHA256", "TLS_AES_128_CCM_SHA256", "ANY", "ANY", "AESCCM", "HIGH", true},
	0x1305: {"TLS_AES_128_CCM_8_SHA256", "TLS_AES_128_CCM_8_SHA256", "ANY", "ANY", "AESCCM", "HIGH", true},

	0xC02B: {"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", "ECDHE-ECDSA-AES128-GCM-SHA256", "ECDHE", "ECDSA", "AESGCM", "HIGH", false},
	0xC02C: {"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", "ECDHE-ECDSA-AES256-GCM-SHA384", "ECDHE", "ECDSA", "AESGCM", "HIGH", false},
	0xC02F: {"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", "ECDHE-RSA-AES128-GCM-SHA256", "ECDHE", "RSA", "AESGCM", "HIGH", false},
	0xC030: {"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", "ECDHE-RSA-AES256-GCM-SHA384", "ECDHE", "RSA", "AESGCM", "HIGH", false},
	0xCCA8: {"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", "ECDHE-RSA-CHACHA20-POLY1305", "ECDHE", "RSA", "CHACHA20", "HIGH", false},
	0xCCA9: {"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", "ECDHE-ECDSA-CHACHA20-POLY1305", "ECDHE", "ECDSA", "CHACHA20", "HIGH", false},
	0xCCAA: {"TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256", "DHE-RSA-CHACHA20-POLY1305", "DHE", "RSA", "CHACHA20", "HIGH", false},
	0xC023: {"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256", "ECDHE-ECDSA-AES128-SHA256", "ECDHE", "ECDSA", "AES", "HIGH", false},
	0xC024: {"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384", "ECDHE-ECDSA-AES256-SHA384", "ECDHE", "ECDSA", "AES", "HIGH", false},
	0xC027: {"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", "ECDHE-RSA-AES128-SHA256", "ECDHE", "RSA", "AES", "HIGH", false},
	0xC028: {"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384", "ECDHE-RSA-AES256-SHA384", "ECDHE", "RSA", "AES", "HIGH", false},
	0xC009: {"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", "ECDHE-ECDSA-AES128-SHA", "ECDHE", "ECDSA", "AES", "HIGH", false},
	0xC00A: {"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", "ECDHE-ECDSA-AES256-SHA", "ECDHE", "ECDSA", "AES", "HIGH", false},
	0xC013: {"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", "ECDHE-RSA-AES128-SHA", "ECDHE", "RSA", "AES", "HIGH", false},
	0xC014: {"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", "ECDHE-RSA-AES256-SHA", "ECDHE", "RSA", "AES", "HIGH", false},
	0xC012: {"TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA", "ECDHE-RSA-DES-CBC3-SHA", "ECDHE", "RSA", "3DES", "MEDIUM", false},
	0xC007: {"TLS_ECDHE_ECDSA_WITH_RC4_128_SHA", "ECDHE-ECDSA-RC4-SHA", "ECDHE", "ECDSA", "RC4", "LOW", false},
	0xC011: {"TLS_ECDHE_RSA_WITH_RC4_128_SHA", "ECDHE-RSA-RC4-SHA", "ECDHE", "RSA", "RC4", "LOW", false},

	0x009E: {"TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", "DHE-RSA-AES128-GCM-SHA256", "DHE", "RSA", "AESGCM", "HIGH", false},
	0x009F: {"TLS_DHE_RSA_WITH_AES_256_GCM_SHA384", "DHE-RSA-AES256-GCM-SHA384", "DHE", "RSA", "AESGCM", "HIGH", false},
	0x0067: {"TLS_DHE_RSA_WITH_AES_128_CBC_SHA256", "DHE-RSA-AES128-SHA256", "DHE", "RSA", "AES", "HIGH", false},
	0x006B: {"TLS_DHE_RSA_WITH_AES_256_CBC_SHA256", "DHE-RSA-AES256-SHA256", "DHE", "RSA", "AES", "HIGH", false},
	0x0033: {"TLS_DHE_RSA_WITH_AES_128_CBC_SHA", "DHE-RSA-AES128-SHA", "DHE", "RSA", "AES", "HIGH", false},
	0x0039: {"TLS_DHE_RSA_WITH_AES_256_CBC_SHA", "DHE-RSA-AES256-SHA", "DHE", "RSA", "AES", "HIGH", false},

	0x009C: {"TLS_RSA_WITH_AES_128_GCM_SHA256", "AES128-GCM-SHA256", "RSA", "RSA", "AESGCM", "HIGH", false},
	0x009D: {"TLS_RSA_WITH_AES_256_GCM_SHA384", "AES256-GCM-SHA384", "RSA", "RSA", "AESGCM", "HIGH", false},
	0x003C: {"TLS_RSA_WITH_AES_128_CBC_SHA256", "AES128-SHA256", "RSA", "RSA", "AES", "HIGH", false},
	0x003D: {"TLS_RSA_WITH_AES_256_CBC_SHA256", "AES256-SHA256", "RSA", "RSA", "AES", "HIGH", false},
	0x002F: {"TLS_RSA_WITH_AES_128_CBC_SHA", "AES128-SHA", "RSA", "RSA", "AES", "HIGH", false},
	0x0035: {"TLS_RSA_WITH_AES_256_CBC_SHA", "AES256-SHA", "RSA", "RSA", "AES", "HIGH", false},
	0x000A: {"TLS_RSA_WITH_3DES_EDE_CBC_SHA", "DES-CBC3-SHA", "RSA", "RSA", "3DES", "MEDIUM", false},
	0x0005: {"TLS_RSA_WITH_RC4_128_SHA", "RC4-SHA", "RSA", "RSA", "RC4", "LOW", false},
	0x0004: {"TLS_RSA_WITH_RC4_128_MD5", "RC4-MD5", "RSA", "RSA", "RC4", "LOW", false},
	0x0001: {"TLS_RSA_WITH_NULL_MD5", "NULL-MD5", "RSA", "RSA", "NULL", "NONE", false},
	0x0002: {"TLS_RSA_WITH_NULL_SHA", "NULL-SHA", "RSA", "RSA", "NULL", "NONE", false},
	0x003B: {"TLS_RSA_WITH_NULL_SHA256", "NULL-SHA256", "RSA", "RSA", "NULL", "NONE", false},

	0x00FF: {"TLS_EMPTY_RENEGOTIATION_INFO_SCSV", "", "SCSV", "NULL", "NULL", "NONE", false},
	0x5600: {"TLS_FALLBACK_SCSV", "", "SCSV", "NULL", "NULL", "NONE", false},
}

// byName indexes the table by upper-cased IANA and OpenSSL names.
var byName = func() map[string]Cipher {
	m := make(map[string]Cipher, len(cipherTable)*2)
	for c, info := range cipherTable {
		m[strings.ToUpper(info.iana)] = c
		if info.openssl != "" {
			m[strings.ToUpper(info.openssl)] = c
		}
		// JSSE uses an SSL_ prefix for some legacy suites.
		if strings.HasPrefix(info.iana, "TLS_RSA_") {
			m["SSL_"+strings.TrimPrefix(info.iana, "TLS_")] = c
		}
	}
	return m
}()

// ID returns the IANA code.
func (c Cipher) ID() uint16 { return uint16(c) }

// Known reports whether the code is in the cipher table.
func (c Cipher) Known() bool {
	_, ok := cipherTable[c]
	return ok
}

// IANAName returns the IANA (and JSSE) name, or the hex code if unknown.
func (c Cipher) IANAName() string {
	if info, ok := cipherTable[c]; ok {
		return info.iana
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}

// OpenSSLName returns the OpenSSL name, or the hex code if unknown or if the
// suite has no OpenSSL name (signalling values).
func (c Cipher) OpenSSLName() string {
	if info, ok := cipherTable[c]; ok && info.openssl != "" {
		return info.openssl
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}

// TLS13 reports whether the suite is a TLS 1.3 suite.
func (c Cipher) TLS13() bool {
	return cipherTable[c].tls13
}

func (c Cipher) String() string { return c.IANAName() }

// CipherByName resolves a cipher from either naming ecosystem. Hex codes
// ("0xC02F") are accepted too.
func CipherByName(name string) (Cipher, bool) {
	name = strings.TrimSpace(name)
	if c, ok := byName[strings.ToUpper(name)]; ok {
		return c, true
	}
	if strings.HasPrefix(name, "0x") || strings.HasPrefix(name, "0X") {
		v, err := strconv.ParseUint(name[2:], 16, 16)
		if err == nil {
			return Cipher(v), true
		}
	}
	return 0, false
}

// aliases maps OpenSSL cipher-string keywords to a selection predicate.
var aliases = map[string]func(cipherInfo) bool{
	"ALL":             func(i cipherInfo) bool { return i.enc != "NULL" },
	"COMPLEMENTOFALL": func(i cipherInfo) bool { return i.enc == "NULL" && i.kx != "SCSV" },
	"DEFAULT":         func(i cipherInfo) bool { return i.strength == "HIGH" },
	"HIGH":            func(i cipherInfo) bool { return i.strength == "HIGH" },
	"MEDIUM":          func(i cipherInfo) bool { return i.strength == "MEDIUM" },
	"LOW":             func(i cipherInfo) bool { return i.strength == "LOW" },
	"ENULL":           func(i cipherInfo) bool { return i.enc == "NULL" && i.kx != "SCSV" },
	"NULL":            func(i cipherInfo) bool { return i.enc == "NULL" && i.kx != "SCSV" },
	"ANULL":           func(i cipherInfo) bool { return i.auth == "NULL" && i.kx != "SCSV" },
	"RC4":             func(i cipherInfo) bool { return i.enc == "RC4" },
	"3DES":            func(i cipherInfo) bool { return i.enc == "3DES" },
	"AESGCM":          func(i cipherInfo) bool { return i.enc == "AESGCM" },
	"AES":             func(i cipherInfo) bool { return i.enc == "AES" || i.enc == "AESGCM" || i.enc == "AESCCM" },
	"CHACHA20":        func(i cipherInfo) bool { return i.enc == "CHACHA20" },
	"ECDHE":           func(i cipherInfo) bool { return i.kx == "ECDHE" },
	"EECDH":           func(i cipherInfo) bool { return i.kx == "ECDHE" },
	"KECDHE":          func(i cipherInfo) bool { return i.kx == "ECDHE" },
	"DHE":             func(i cipherInfo) bool { return i.kx == "DHE" },
	"EDH":             func(i cipherInfo) bool { return i.kx == "DHE" },
	"KDHE":            func(i cipherInfo) bool { return i.kx == "DHE" },
	"KRSA":            func(i cipherInfo) bool { return i.kx == "RSA" },
	"ARSA":            func(i cipherInfo) bool { return i.auth == "RSA" },
	"AECDSA":          func(i cipherInfo) bool { return i.auth == "ECDSA" },
	"ECDSA":           func(i cipherInfo) bool { return i.auth == "ECDSA" },
	"TLSV1.3":         func(i cipherInfo) bool { return i.tls13 },
	"RSA":             func(i cipherInfo) bool { return i.kx == "RSA" },
	"MD5":             func(i cipherInfo) bool { return strings.HasSuffix(i.iana, "_MD5") },
	"SHA1":            func(i cipherInfo) bool { return strings.HasSuffix(i.iana, "_SHA") },
	"SHA":             func(i cipherInfo) bool { return strings.HasSuffix(i.iana, "_SHA") },
	"SHA256":          func(i cipherInfo) bool { return strings.HasSuffix(i.iana, "_SHA256") },
	"SHA384":          func(i cipherInfo) bool { return strings.HasSuffix(i.iana, "_SHA384") },
	"AES128":          func(i cipherInfo) bool { return strings.Contains(i.iana, "AES_128") },
	"AES256":          func(i cipherInfo) bool { return strings.Contains(i.iana, "AES_256") },
}

// unsupportedKeywords are valid OpenSSL keywords naming suites absent from
// the table. They select nothing.
var unsupportedKeywords = map[string]bool{
	"EXPORT": true, "EXP": true, "DES": true, "PSK": true, "APSK": true,
	"SRP": true, "CAMELLIA": true, "ARIA": true, "IDEA": true, "SEED": true,
	"DSS": true, "ADSS": true, "KRSAPSK": true, "ECDH": true, "LOW56": true,
}

// orderedCiphers lists table entries strongest first; it fixes the order
// aliases expand to.
var orderedCiphers = func() []Cipher {
	rank := map[string]int{"HIGH": 0, "MEDIUM": 1, "LOW": 2, "NONE": 3}
	kxRank := map[string]int{"ANY": 0, "ECDHE": 1, "DHE": 2, "RSA": 3, "SCSV": 4}
	encRank := map[string]int{"AESGCM": 0, "CHACHA20": 1, "AESCCM": 2, "AES": 3, "3DES": 4, "RC4": 5, "NULL": 6}
	out := make([]Cipher, 0, len(cipherTable))
	for c := range cipherTable {
		out = append(out, c)
	}
	less := func(a, b Cipher) bool {
		ia, ib := cipherTable[a], cipherTable[b]
		if rank[ia.strength] != rank[ib.strength] {
			return rank[ia.strength] < rank[ib.strength]
		}
		if kxRank[ia.kx] != kxRank[ib.kx] {
			return kxRank[ia.kx] < kxRank[ib.kx]
		}
		if encRank[ia.enc] != encRank[ib.enc] {
			return encRank[ia.enc] < encRank[ib.enc]
		}
		return a < b
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}()

// ParseCipherList parses a cipher specification in either ecosystem's form.
//
// Elements are separated by ':', ',' or whitespace. Each element is a cipher
// name (IANA or OpenSSL), a hex code, or an OpenSSL keyword (ALL, HIGH,
// ECDHE, AESGCM, ...). Keywords may be joined with '+' to intersect them.
// Prefixes follow OpenSSL semantics: '!' removes permanently, '-' removes
// (may be re-added later), '+' moves matching entries to the end.
func ParseCipherList(spec string) ([]Cipher, error) {
	fields := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ':' || r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	var result []Cipher
	banned := make(map[Cipher]bool)

	remove := func(set []Cipher) {
		drop := make(map[Cipher]bool, len(set))
		for _, c := range set {
			drop[c] = true
		}
		kept := result[:0]
		for _, c := range result {
			if !drop[c] {
				kept = append(kept, c)
			}
		}
		result = kept
	}

	for _, field := range fields {
		op := byte(0)
		switch field[0] {
		case '!', '-', '+':
			op = field[0]
			field = field[1:]
		}
		if field == "" {
			continue
		}

		set, err := resolveElement(field)
		if err != nil {
			return nil, err
		}

		switch op {
		case '!':
			for _, c := range set {
				banned[c] = true
			}
			remove(set)
		case '-':
			remove(set)
		case '+':
			present := make(map[Cipher]bool, len(result))
			for _, c := range result {
				present[c] = true
			}
			var moved []Cipher
			for _, c := range set {
				if present[c] {
					moved = append(moved, c)
				}
			}
			remove(moved)
			result = append(result, moved...)
		default:
			present := make(map[Cipher]bool, len(result))
			for _, c := range result {
				present[c] = true
			}
			for _, c := range set {
				if !present[c] && !banned[c] {
					result = append(result, c)
					present[c] = true
				}
			}
		}
	}
	return result, nil
}

// resolveElement expands one element, handling '+'-joined keyword
// intersections such as "ECDHE+AESGCM".
func resolveElement(element string) ([]Cipher, error) {
	if c, ok := CipherByName(element); ok {
		return []Cipher{c}, nil
	}

	parts := strings.Split(element, "+")
	preds := make([]func(cipherInfo) bool, 0, len(parts))
	for _, p := range parts {
		pred, ok := aliases[strings.ToUpper(p)]
		if !ok {
			if unsupportedKeywords[strings.ToUpper(p)] {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown cipher or keyword %q", element)
		}
		preds = append(preds, pred)
	}

	var out []Cipher
	for _, c := range orderedCiphers {
		info := cipherTable[c]
		if info.kx == "SCSV" {
			continue
		}
		match := true
		for _, pred := range preds {
			if !pred(info) {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

// FormatOpenSSL renders ciphers as an OpenSSL cipher string.
func FormatOpenSSL(ciphers []Cipher) string {
	names := make([]string, 0, len(ciphers))
	for _, c := range ciphers {
		names = append(names, c.OpenSSLName())
	}
	return strings.Join(names, ":")
}

// FormatIANA renders ciphers as a comma separated IANA list.
func FormatIANA(ciphers []Cipher) string {
	names := make([]string, 0, len(ciphers))
	for _, c := range ciphers {
		names = append(names, c.IANAName())
	}
	return strings.Join(names, ",")
}

// goSuites holds the suites crypto/tls can negotiate for TLS 1.0-1.2.
var goSuites = func() map[uint16]bool {
	m := make(map[uint16]bool)
	for _, s := range tls.CipherSuites() {
		m[s.ID] = true
	}
	for _, s := range tls.InsecureCipherSuites() {
		m[s.ID] = true
	}
	return m
}()

// GoCipherSuites filters ciphers down to the TLS 1.0-1.2 suites crypto/tls
// implements, preserving order. TLS 1.3 suites are not configurable in
// crypto/tls and are skipped.
func GoCipherSuites(ciphers []Cipher) []uint16 {
	out := make([]uint16, 0, len(ciphers))
	for _, c := range ciphers {
		if c.TLS13() {
			continue
		}
		if goSuites[c.ID()] {
			out = append(out, c.ID())
		}
	}
	return out
}
