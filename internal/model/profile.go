package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Profile はusersテーブルのプロフィール行を表す。
// UUIDは作成されたIdPアカウントのIDからサーバー側でのみ設定する。
type Profile struct {
	ID          int64     `db:"id" json:"id,omitempty"`
	UUID        string    `db:"uuid" json:"uuid,omitempty"`
	Email       string    `db:"email" json:"email"`
	FirstName   string    `db:"firstname" json:"firstname"`
	MiddleName  string    `db:"middlename" json:"middlename"`
	LastName    string    `db:"lastname" json:"lastname"`
	PIN         string    `db:"pin" json:"pin"`
	Photo       *string   `db:"photo" json:"photo"`
	Age         int       `db:"age" json:"age"`
	Month       int       `db:"month" json:"month"`
	Day         int       `db:"day" json:"day"`
	Address     string    `db:"address" json:"address"`
	HouseNumber string    `db:"house_number" json:"house_number"`
	Street      string    `db:"street" json:"street"`
	Suburb      string    `db:"suburb" json:"suburb"`
	State       string    `db:"state" json:"state"`
	Postcode    string    `db:"postcode" json:"postcode"`
	Country     string    `db:"country" json:"country"`
	Admin       bool      `db:"admin" json:"admin"`
	CreatedAt   time.Time `db:"created_at" json:"created_at,omitempty"`
}

// ProfileUpdate はプロフィールの部分更新を表す。
// nilのフィールドは更新しない。
type ProfileUpdate struct {
	FirstName  *string
	MiddleName *string
	LastName   *string
	Address    *string
	PIN        *string
	Age        *int
	Month      *int
	Day        *int
}

// Empty は更新対象のフィールドが1つもないかどうかを返す。
func (u ProfileUpdate) Empty() bool {
	return u.FirstName == nil && u.MiddleName == nil && u.LastName == nil &&
		u.Address == nil && u.PIN == nil &&
		u.Age == nil && u.Month == nil && u.Day == nil
}

// FormValue はフォームから送られる数値項目の生の値。
// JSONの数値と文字列のどちらも受け付け、nullは空文字列として扱う。
type FormValue string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (v *FormValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = FormValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("form value must be a number or string: %w", err)
	}
	*v = FormValue(n.String())
	return nil
}

// IsEmpty は値が未入力かどうかを返す。
func (v FormValue) IsEmpty() bool {
	return strings.TrimSpace(string(v)) == ""
}

// Int は値を整数として解釈する。小数や非数値はokがfalseになる。
func (v FormValue) Int() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(string(v)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ResponseError は作成関数のレスポンスに含まれるエラー。
// 文字列とオブジェクト（message, code）のどちらの形式も受け付ける。
type ResponseError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	return e.Message
}

// MarshalJSON はjson.Marshalerを実装する。コードがない場合は文字列として出力する。
func (e ResponseError) MarshalJSON() ([]byte, error) {
	if e.Code == "" {
		return json.Marshal(e.Message)
	}
	type plain ResponseError
	return json.Marshal(plain(e))
}

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (e *ResponseError) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.Message)
	}
	type plain ResponseError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = ResponseError(p)
	return nil
}

// CreateUserRequest はユーザー作成関数のリクエストボディ。
type CreateUserRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Profile  *Profile `json:"profile,omitempty"`
}

// InsertResult はプロフィール行挿入の結果。
type InsertResult struct {
	Data   *Profile       `json:"data"`
	Error  *ResponseError `json:"error"`
	Status int            `json:"status"`
}

// CreateUserResponse はユーザー作成関数のレスポンスボディ。
// アカウント作成後に挿入が失敗した場合は、UserとErrorの両方が設定される。
type CreateUserResponse struct {
	User         *AccountUser   `json:"user"`
	InsertResult *InsertResult  `json:"insertResult"`
	Error        *ResponseError `json:"error"`
}
