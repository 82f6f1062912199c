package failcache

import (
	"time"

	"github.com/aphistic/sweet"
	. "github.com/onsi/gomega"
)

type ConfigSuite struct{}

func (s *ConfigSuite) TestParseConfig(t sweet.T) {
	config, err := ParseConfig("Server=10.0.0.1:7000,10.0.0.2;UserName=app;Password=secret;Db=3;Timeout=2500")
	Expect(err).To(BeNil())
	Expect(config.Servers).To(Equal([]string{"10.0.0.1:7000", "10.0.0.2:6379"}))
	Expect(config.UserName).To(Equal("app"))
	Expect(config.Password).To(Equal("secret"))
	Expect(config.Db).To(Equal(3))
	Expect(config.Timeout).To(Equal(time.Millisecond * 2500))
}

func (s *ConfigSuite) TestParseConfigBareServer(t sweet.T) {
	config, err := ParseConfig("cache.local")
	Expect(err).To(BeNil())
	Expect(config.Servers).To(Equal([]string{"cache.local:6379"}))
	Expect(config.Password).To(BeEmpty())
	Expect(config.Db).To(Equal(0))
	Expect(config.Timeout).To(BeZero())
}

func (s *ConfigSuite) TestParseConfigBareServerList(t sweet.T) {
	config, err := ParseConfig("a:1,b:2;password=x")
	Expect(err).To(BeNil())
	Expect(config.Servers).To(Equal([]string{"a:1", "b:2"}))
	Expect(config.Password).To(Equal("x"))
}

func (s *ConfigSuite) TestParseConfigKeysIgnoreCase(t sweet.T) {
	config, err := ParseConfig("SERVER=a;PASSWORD=x;dB=1")
	Expect(err).To(BeNil())
	Expect(config.Servers).To(Equal([]string{"a:6379"}))
	Expect(config.Password).To(Equal("x"))
	Expect(config.Db).To(Equal(1))
}

func (s *ConfigSuite) TestParseConfigPort(t sweet.T) {
	config, err := ParseConfig("server=a,b:7001;port=7000")
	Expect(err).To(BeNil())
	Expect(config.Servers).To(Equal([]string{"a:7000", "b:7001"}))
}

func (s *ConfigSuite) TestParseConfigFirstTimeoutWins(t sweet.T) {
	config, err := ParseConfig("server=a;responseTimeout=100;timeout=200;connectTimeout=300")
	Expect(err).To(BeNil())
	Expect(config.Timeout).To(Equal(time.Millisecond * 100))
}

func (s *ConfigSuite) TestParseConfigURLPrefix(t sweet.T) {
	config, err := ParseConfig("server=redis://a:1/,tcp://b")
	Expect(err).To(BeNil())
	Expect(config.Servers).To(Equal([]string{"a:1", "b:6379"}))
}

func (s *ConfigSuite) TestParseConfigErrors(t sweet.T) {
	_, err := ParseConfig("")
	Expect(err).To(Equal(ErrNoServers))

	_, err = ParseConfig("password=x")
	Expect(err).To(Equal(ErrNoServers))

	_, err = ParseConfig("server=a;db=x")
	Expect(err).To(MatchError(`invalid db "x"`))

	_, err = ParseConfig("server=a;port=99999")
	Expect(err).To(MatchError(`invalid port "99999"`))

	_, err = ParseConfig("server=a;timeout=-1")
	Expect(err).To(MatchError(`invalid timeout "-1"`))
}

func (s *ConfigSuite) TestNewClientConfigOverrides(t sweet.T) {
	client, err := NewClient("server=a;password=x;timeout=2000", WithPassword("y"))
	Expect(err).To(BeNil())
	defer client.Close()

	Expect(client.Servers().Addrs()).To(Equal([]string{"a:6379"}))
}
