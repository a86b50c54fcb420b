package registry

// wellKnownEntries seeds the registry when neither authoritative source can
// be fetched at bootstrap. A successful later bootstrap overwrites them.
var wellKnownEntries = []Entry{
	{AssetUID: "bitcoin", CoinGeckoID: "bitcoin", CoinPaprikaID: "btc-bitcoin", Symbol: "BTC", Name: "Bitcoin"},
	{AssetUID: "ethereum", CoinGeckoID: "ethereum", CoinPaprikaID: "eth-ethereum", Symbol: "ETH", Name: "Ethereum"},
	{AssetUID: "tether", CoinGeckoID: "tether", CoinPaprikaID: "usdt-tether", Symbol: "USDT", Name: "Tether"},
	{AssetUID: "binancecoin", CoinGeckoID: "binancecoin", CoinPaprikaID: "bnb-binance-coin", Symbol: "BNB", Name: "BNB"},
	{AssetUID: "solana", CoinGeckoID: "solana", CoinPaprikaID: "sol-solana", Symbol: "SOL", Name: "Solana"},
	{AssetUID: "ripple", CoinGeckoID: "ripple", CoinPaprikaID: "xrp-xrp", Symbol: "XRP", Name: "XRP"},
	{AssetUID: "usd-coin", CoinGeckoID: "usd-coin", CoinPaprikaID: "usdc-usd-coin", Symbol: "USDC", Name: "USD Coin"},
	{AssetUID: "cardano", CoinGeckoID: "cardano", CoinPaprikaID: "ada-cardano", Symbol: "ADA", Name: "Cardano"},
	{AssetUID: "dogecoin", CoinGeckoID: "dogecoin", CoinPaprikaID: "doge-dogecoin", Symbol: "DOGE", Name: "Dogecoin"},
	{AssetUID: "avalanche-2", CoinGeckoID: "avalanche-2", CoinPaprikaID: "avax-avalanche", Symbol: "AVAX", Name: "Avalanche"},
	{AssetUID: "tron", CoinGeckoID: "tron", CoinPaprikaID: "trx-tron", Symbol: "TRX", Name: "TRON"},
	{AssetUID: "polkadot", CoinGeckoID: "polkadot", CoinPaprikaID: "dot-polkadot", Symbol: "DOT", Name: "Polkadot"},
	{AssetUID: "chainlink", CoinGeckoID: "chainlink", CoinPaprikaID: "link-chainlink", Symbol: "LINK", Name: "Chainlink"},
	{AssetUID: "litecoin", CoinGeckoID: "litecoin", CoinPaprikaID: "ltc-litecoin", Symbol: "LTC", Name: "Litecoin"},
	{AssetUID: "uniswap", CoinGeckoID: "uniswap", CoinPaprikaID: "uni-uniswap", Symbol: "UNI", Name: "Uniswap"},
	{AssetUID: "stellar", CoinGeckoID: "stellar", CoinPaprikaID: "xlm-stellar", Symbol: "XLM", Name: "Stellar"},
}
