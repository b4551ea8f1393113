// Package validate performs syntax and range checks on extraction
// candidates, yielding a tri-state status used for routing decisions.
package validate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sds-labs/sdsx/internal/model"
)

var (
	casRe      = regexp.MustCompile(`^\d{2,7}-\d{2}-\d$`)
	classPart  = regexp.MustCompile(`\d(?:\.\d)?`)
	digitsOnly = regexp.MustCompile(`^\d+$`)
)

var validClasses = map[string]struct{}{
	"1": {}, "1.1": {}, "1.2": {}, "1.3": {}, "1.4": {}, "1.5": {}, "1.6": {},
	"2.1": {}, "2.2": {}, "2.3": {},
	"3":   {},
	"4.1": {}, "4.2": {}, "4.3": {},
	"5.1": {}, "5.2": {},
	"6.1": {}, "6.2": {},
	"7": {}, "8": {}, "9": {},
}

// Field checks a candidate for the named field. Sentinel values pass the
// syntax checks untouched; confidence then decides between valid, warning
// and invalid. Fields without rules report not_validated.
func Field(name string, c model.Candidate) (model.ValidationStatus, string) {
	check, known := checks[name]
	if !known {
		return model.ValidationSkipped, ""
	}

	if c.Confidence < 0 || c.Confidence > 1 {
		return model.ValidationInvalid, "Confianca fora do intervalo [0,1]."
	}

	if c.Value != model.ValueNotFound && c.Value != model.ValueError {
		if msg := check(c.Value); msg != "" {
			return model.ValidationInvalid, msg
		}
	}

	switch {
	case c.Confidence >= 0.9:
		return model.ValidationValid, ""
	case c.Confidence >= 0.7:
		return model.ValidationWarning, ""
	default:
		return model.ValidationInvalid, "Confianca abaixo do limiar minimo (0.7)."
	}
}

// checks return an error message for malformed values, empty otherwise.
var checks = map[string]func(string) string{
	model.FieldUNNumber:     checkUN,
	model.FieldCASNumber:    checkCAS,
	model.FieldHazardClass:  checkClass,
	model.FieldProductName:  checkName,
	model.FieldManufacturer: checkName,
	model.FieldPackingGroup: checkPackingGroup,
}

func checkUN(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	v = strings.TrimSpace(strings.TrimPrefix(v, "UN"))
	if len(v) != 4 || !digitsOnly.MatchString(v) {
		return "Numero ONU deve conter 4 digitos."
	}
	n, _ := strconv.Atoi(v)
	if n < 4 || n > 3506 {
		return "Numero ONU fora do intervalo valido."
	}
	return ""
}

func checkCAS(v string) string {
	if !casRe.MatchString(strings.TrimSpace(v)) {
		return "Numero CAS deve seguir o formato ####-##-#."
	}
	return ""
}

func checkClass(v string) string {
	if m := classPart.FindString(v); m != "" {
		v = m
	}
	if _, ok := validClasses[strings.TrimSpace(v)]; !ok {
		return "Classe ONU invalida."
	}
	return ""
}

func checkName(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < 3 {
		return "Valor muito curto."
	}
	if len(v) > 200 {
		return "Valor muito longo."
	}
	return ""
}

func checkPackingGroup(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "I", "II", "III":
		return ""
	default:
		return "Grupo de embalagem deve ser I, II ou III."
	}
}
