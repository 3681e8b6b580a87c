// Package provision は新規アカウント作成のワークフローを提供する。
//
// 下書きの検証、写真のアップロード、ユーザー作成関数の呼び出しを順に行い、
// アカウントのみ作成されてプロフィール登録に失敗した部分成功を区別して報告する。
package provision

import (
	"strings"
	"unicode"

	"github.com/hitoshi/makeemnow/internal/model"
)

const (
	DefaultAge     = "18"
	DefaultState   = "QLD"
	DefaultCountry = "AU"

	// PINLength はPIN入力欄の桁数。
	PINLength = 6
)

// 検証メッセージ。フォームの入力順に評価する。
const (
	MsgEmailRequired    = "Email is required."
	MsgPasswordRequired = "Password is required."
	MsgAgeRequired      = "Age is required."
	MsgAgeInvalid       = "Please enter a valid age (1-120)."
	MsgMonthRequired    = "Month is required."
	MsgMonthInvalid     = "Please select a valid month."
	MsgDayRequired      = "Day is required."
	MsgDayInvalid       = "Please enter a valid day (1-31)."
	MsgAddressRequired  = "Please provide an address (either full address or house number + street)."
)

// Draft は作成フォームの入力内容。
// JSONのキーはフロントエンドのフォームと同じ。
type Draft struct {
	Email       string          `json:"email"`
	Password    string          `json:"password"`
	UUID        string          `json:"uuid"`
	PIN         string          `json:"pin"`
	FirstName   string          `json:"firstname"`
	MiddleName  string          `json:"middlename"`
	LastName    string          `json:"lastname"`
	Age         model.FormValue `json:"age"`
	Month       model.FormValue `json:"month"`
	Day         model.FormValue `json:"day"`
	Photo       string          `json:"photo"`
	Address     string          `json:"address"`
	HouseNumber string          `json:"houseNumber"`
	Street      string          `json:"street"`
	Suburb      string          `json:"suburb"`
	State       string          `json:"state"`
	Postcode    string          `json:"postcode"`
	Country     string          `json:"country"`
}

// NewDraft は初期値を設定した下書きを返す。
func NewDraft() Draft {
	return Draft{
		Age:     DefaultAge,
		State:   DefaultState,
		Country: DefaultCountry,
	}
}

// GetValidationError は最初に失敗した規則の検証エラーを返す。
// 全ての規則を満たす場合はnilを返す。
func GetValidationError(d Draft) *model.ValidationError {
	if isBlank(d.Email) {
		return &model.ValidationError{Field: "email", Message: MsgEmailRequired}
	}
	if isBlank(d.Password) {
		return &model.ValidationError{Field: "password", Message: MsgPasswordRequired}
	}

	if d.Age.IsEmpty() {
		return &model.ValidationError{Field: "age", Message: MsgAgeRequired}
	}
	if age, ok := d.Age.Int(); !ok || age < 1 || age > 120 {
		return &model.ValidationError{Field: "age", Message: MsgAgeInvalid}
	}

	if d.Month.IsEmpty() {
		return &model.ValidationError{Field: "month", Message: MsgMonthRequired}
	}
	if month, ok := d.Month.Int(); !ok || month < 1 || month > 12 {
		return &model.ValidationError{Field: "month", Message: MsgMonthInvalid}
	}

	if d.Day.IsEmpty() {
		return &model.ValidationError{Field: "day", Message: MsgDayRequired}
	}
	if day, ok := d.Day.Int(); !ok || day < 1 || day > 31 {
		return &model.ValidationError{Field: "day", Message: MsgDayInvalid}
	}

	hasAddress := !isBlank(d.Address)
	hasParts := !isBlank(d.HouseNumber) && !isBlank(d.Street)
	if !hasAddress && !hasParts {
		return &model.ValidationError{Field: "address", Message: MsgAddressRequired}
	}

	return nil
}

// ToProfile は検証済みの下書きからプロフィール行を組み立てる。
// uuidはサーバー側で設定するため含めない。州と国は既定値で補う。
func (d Draft) ToProfile() *model.Profile {
	age, _ := d.Age.Int()
	month, _ := d.Month.Int()
	day, _ := d.Day.Int()

	p := &model.Profile{
		Email:       strings.TrimSpace(d.Email),
		FirstName:   strings.TrimSpace(d.FirstName),
		MiddleName:  strings.TrimSpace(d.MiddleName),
		LastName:    strings.TrimSpace(d.LastName),
		PIN:         NormalizePIN(d.PIN),
		Age:         age,
		Month:       month,
		Day:         day,
		Address:     strings.TrimSpace(d.Address),
		HouseNumber: strings.TrimSpace(d.HouseNumber),
		Street:      strings.TrimSpace(d.Street),
		Suburb:      strings.TrimSpace(d.Suburb),
		State:       orDefault(d.State, DefaultState),
		Postcode:    strings.TrimSpace(d.Postcode),
		Country:     orDefault(d.Country, DefaultCountry),
	}
	if photo := strings.TrimSpace(d.Photo); photo != "" {
		p.Photo = &photo
	}
	return p
}

// NormalizePIN は数字以外を取り除き、先頭PINLength桁に切り詰める。
func NormalizePIN(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= PINLength {
			break
		}
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
