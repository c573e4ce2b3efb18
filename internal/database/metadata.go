package database

// ParamList is a ParameterMetadata backed by a slice; index i holds position i+1.
type ParamList []ParamInfo

func (l ParamList) Count() int { return len(l) }

func (l ParamList) Param(pos int) (ParamInfo, bool) {
	if pos < 1 || pos > len(l) {
		return ParamInfo{}, false
	}
	return l[pos-1], true
}

// UnknownParams returns metadata for n placeholders whose types are not known.
func UnknownParams(n int) ParamList {
	l := make(ParamList, n)
	for i := range l {
		l[i].Position = i + 1
	}
	return l
}

// AlignParams maps catalog parameters onto placeholder positions.
//
// Catalog rows describe procedure arguments, placeholders describe the call
// text. They line up only when every argument is a placeholder; otherwise the
// types are reported as unknown rather than guessed.
func AlignParams(catalog []ParamInfo, placeholders int) ParamList {
	if len(catalog) != placeholders {
		return UnknownParams(placeholders)
	}
	l := make(ParamList, placeholders)
	for i, p := range catalog {
		p.Position = i + 1
		l[i] = p
	}
	return l
}
